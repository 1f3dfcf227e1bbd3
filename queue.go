// FILE: queue.go
// Package main – Persistent FIFO of identities waiting for a quota slot.
//
// Stored as a YAML list in <data_dir>/waiting.yaml and rewritten with
// tmp+rename on every change. Every read-modify-write holds the mutex for
// the worker pool and a flock on waiting.yaml.lock for other processes
// (the CLI's move, remove and queue --drop).

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const queueLockTimeout = 10 * time.Second

type WaitingQueue struct {
	path        string
	lockTimeout time.Duration
	mu          sync.Mutex
}

func NewWaitingQueue(path string) *WaitingQueue {
	return &WaitingQueue{path: path, lockTimeout: queueLockTimeout}
}

// update runs fn on the current names under both locks and saves what it
// returns when save is true.
func (q *WaitingQueue) update(fn func(names []string) (out []string, save bool, err error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := flockFile(context.Background(), q.path+".lock", "waiting queue", q.lockTimeout)
	if err != nil {
		return err
	}
	defer unlockFile(f)

	names, err := q.load()
	if err != nil {
		return err
	}
	out, save, err := fn(names)
	if err != nil || !save {
		return err
	}
	return q.save(out)
}

func (q *WaitingQueue) load() ([]string, error) {
	bs, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read waiting queue: %w", err)
	}
	var names []string
	if err := yaml.Unmarshal(bs, &names); err != nil {
		return nil, fmt.Errorf("parse waiting queue %s: %w", q.path, err)
	}
	return names, nil
}

func (q *WaitingQueue) save(names []string) error {
	if names == nil {
		names = []string{}
	}
	bs, err := yaml.Marshal(names)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o600); err != nil {
		return fmt.Errorf("write waiting queue: %w", err)
	}
	return os.Rename(tmp, q.path)
}

// Names returns the queue front to back.
func (q *WaitingQueue) Names() ([]string, error) {
	var out []string
	err := q.update(func(names []string) ([]string, bool, error) {
		out = names
		return nil, false, nil
	})
	return out, err
}

// Push appends name unless already queued; reports whether it was added.
func (q *WaitingQueue) Push(name string) (bool, error) {
	added := false
	err := q.update(func(names []string) ([]string, bool, error) {
		if slices.Contains(names, name) {
			return nil, false, nil
		}
		added = true
		return append(names, name), true, nil
	})
	return added, err
}

// PushFront puts name at the head of the queue, moving it if already queued.
func (q *WaitingQueue) PushFront(name string) error {
	return q.update(func(names []string) ([]string, bool, error) {
		if i := slices.Index(names, name); i >= 0 {
			names = slices.Delete(names, i, i+1)
		}
		return append([]string{name}, names...), true, nil
	})
}

// Pop removes and returns the front; ErrNotFound when empty.
func (q *WaitingQueue) Pop() (string, error) {
	var front string
	err := q.update(func(names []string) ([]string, bool, error) {
		if len(names) == 0 {
			return nil, false, fmt.Errorf("waiting queue empty: %w", ErrNotFound)
		}
		front = names[0]
		return names[1:], true, nil
	})
	return front, err
}

// Remove drops name wherever it is.
func (q *WaitingQueue) Remove(name string) error {
	return q.update(func(names []string) ([]string, bool, error) {
		i := slices.Index(names, name)
		if i < 0 {
			return nil, false, nil
		}
		return slices.Delete(names, i, i+1), true, nil
	})
}
