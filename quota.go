// FILE: quota.go
// Package main – Fleet-wide hourly quota.
//
// Orders are bucketed by the UTC hour-of-day their public window ends. A
// freshly made or bonded order expires public_duration from now, so the
// bucket for the current hour is the one new work lands in; capping it at
// order_maximum caps how many bond/create actions the fleet performs per hour.
//
//   buckets 0..23  identities whose listed offer expires in that UTC hour,
//                  plus identities given a slot by TryTake this hour
//   bucket  24     identities waiting in the queue
//
// A name lives in at most one bucket. Quota is rebuilt from the merged book
// and the waiting queue at the start of every pass and is never persisted.

package main

import (
	"sort"
	"sync"
	"time"
)

const (
	hourBuckets   = 24
	waitingBucket = hourBuckets
)

type Quota struct {
	mu      sync.Mutex
	max     int
	buckets [hourBuckets + 1]map[string]struct{}
}

func NewQuota(max int) *Quota {
	q := &Quota{max: max}
	for i := range q.buckets {
		q.buckets[i] = make(map[string]struct{})
	}
	return q
}

// BuildQuota places listed offers made by active identities into their
// expiry hour and queued names into the waiting bucket.
func BuildQuota(max int, offers []BookOffer, active, queued []string) *Quota {
	q := NewQuota(max)
	isActive := make(map[string]struct{}, len(active))
	for _, n := range active {
		isActive[n] = struct{}{}
	}
	for _, o := range offers {
		if _, ok := isActive[o.MakerNick]; !ok || o.ExpiresAt.IsZero() {
			continue
		}
		q.placeLocked(o.MakerNick, hourOf(o.ExpiresAt))
	}
	for _, n := range queued {
		if q.bucketOfLocked(n) < 0 {
			q.placeLocked(n, waitingBucket)
		}
	}
	return q
}

func hourOf(t time.Time) int { return t.UTC().Hour() }

func (q *Quota) placeLocked(name string, bucket int) {
	for i := range q.buckets {
		delete(q.buckets[i], name)
	}
	q.buckets[bucket][name] = struct{}{}
}

func (q *Quota) bucketOfLocked(name string) int {
	for i := range q.buckets {
		if _, ok := q.buckets[i][name]; ok {
			return i
		}
	}
	return -1
}

func (q *Quota) Max() int { return q.max }

// Used is the size of the bucket for now's UTC hour.
func (q *Quota) Used(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets[hourOf(now)])
}

func (q *Quota) Available(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets[hourOf(now)]) < q.max
}

// TryTake gives name a slot in the current hour if one is free.
func (q *Quota) TryTake(name string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := hourOf(now)
	if _, ok := q.buckets[h][name]; ok {
		return true
	}
	if len(q.buckets[h]) >= q.max {
		return false
	}
	q.placeLocked(name, h)
	return true
}

// Wait moves name to the waiting bucket.
func (q *Quota) Wait(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.placeLocked(name, waitingBucket)
}

// Drop forgets name (identity left the active partition).
func (q *Quota) Drop(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.buckets {
		delete(q.buckets[i], name)
	}
}

// Bucket returns the sorted names in bucket i (0..24).
func (q *Quota) Bucket(i int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i > waitingBucket {
		return nil
	}
	out := make([]string, 0, len(q.buckets[i]))
	for n := range q.buckets[i] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Total counts names across all 25 buckets.
func (q *Quota) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.buckets {
		n += len(q.buckets[i])
	}
	return n
}
