package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hour int) time.Time { return time.Date(2026, 3, 4, hour, 30, 0, 0, time.UTC) }

func TestBuildQuotaPlacement(t *testing.T) {
	offers := []BookOffer{
		{MakerNick: "alice", ExpiresAt: at(10)},
		{MakerNick: "bob", ExpiresAt: at(10).In(time.FixedZone("CET", 3600))}, // still 10 UTC
		{MakerNick: "carol", ExpiresAt: at(23)},
		{MakerNick: "stranger", ExpiresAt: at(10)},
		{MakerNick: "dave"}, // no expiry, ignored
	}
	active := []string{"alice", "bob", "carol", "dave", "erin"}
	q := BuildQuota(2, offers, active, []string{"erin", "alice"})

	assert.Equal(t, []string{"alice", "bob"}, q.Bucket(10))
	assert.Equal(t, []string{"carol"}, q.Bucket(23))
	assert.Equal(t, []string{"erin"}, q.Bucket(waitingBucket), "listed names are not double counted as waiting")
	assert.Equal(t, 4, q.Total())
	assert.Nil(t, q.Bucket(25))

	assert.Equal(t, 2, q.Used(at(10)))
	assert.False(t, q.Available(at(10)))
	assert.True(t, q.Available(at(11)))
}

func TestQuotaTryTake(t *testing.T) {
	q := NewQuota(2)
	now := at(10)

	assert.True(t, q.TryTake("alice", now))
	assert.True(t, q.TryTake("alice", now), "holding a slot already counts as granted")
	assert.Equal(t, 1, q.Used(now))

	q.Wait("bob")
	assert.True(t, q.TryTake("bob", now), "a waiting name moves into the hour")
	assert.Empty(t, q.Bucket(waitingBucket))

	assert.False(t, q.TryTake("carol", now))
	assert.Equal(t, 2, q.Used(now))

	// the next hour has its own budget
	assert.True(t, q.TryTake("carol", at(11)))

	q.Drop("alice")
	assert.Equal(t, 1, q.Used(now))
	assert.Equal(t, 2, q.Total())
}

func TestQuotaNameInOneBucket(t *testing.T) {
	q := NewQuota(5)
	q.Wait("alice")
	q.TryTake("alice", at(3))
	q.Wait("alice")
	q.TryTake("alice", at(7))
	assert.Equal(t, 1, q.Total())
	assert.Equal(t, []string{"alice"}, q.Bucket(7))
}

func TestQuotaConcurrentTakeNeverExceedsMax(t *testing.T) {
	q := NewQuota(3)
	now := at(12)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if q.TryTake(string(rune('a'+i%26))+string(rune('A'+i/26)), now) {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(3), granted.Load())
	assert.Equal(t, 3, q.Used(now))
}

func TestQuotaTotalIsListedPlusSlotsPlusQueued(t *testing.T) {
	offers := []BookOffer{
		{MakerNick: "alice", ExpiresAt: at(10)},
		{MakerNick: "bob", ExpiresAt: at(17)},
	}
	active := []string{"alice", "bob", "carol", "dave", "erin"}
	queued := []string{"erin"}
	q := BuildQuota(3, offers, active, queued)
	listed := len(offers)
	assert.Equal(t, listed+len(queued), q.Total())

	slots := 0
	for _, n := range []string{"carol", "dave"} {
		if q.TryTake(n, at(10)) {
			slots++
		}
	}
	assert.Equal(t, 2, slots)
	assert.Equal(t, listed+slots+len(queued), q.Total())

	// a name only ever moves between buckets
	q.Wait("carol")
	assert.Equal(t, listed+slots+len(queued), q.Total())
	assert.Equal(t, []string{"carol", "erin"}, q.Bucket(waitingBucket))
	q.Drop("dave")
	assert.Equal(t, listed+slots+len(queued)-1, q.Total())
}
