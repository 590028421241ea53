// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/YZ-social/Yz.social/storage"
	"github.com/benbjohnson/clock"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

type entry struct {
	msg   *storage.Retained
	timer *clock.Timer
	gen   uint64
}

// RetainedStore is an in-memory implementation of storage.RetainedStore.
// Every entry owns a retention timer; a firing timer only removes the entry
// it was started for.
type RetainedStore struct {
	opts storage.RetainedOptions

	mu     sync.Mutex
	topics map[string]map[string]*entry // topic -> subject -> entry
	live   int
	gen    uint64
	closed bool
}

// NewRetainedStore creates a new in-memory retained message store.
func NewRetainedStore(opts storage.RetainedOptions) *RetainedStore {
	return &RetainedStore{
		opts:   opts.WithDefaults(),
		topics: make(map[string]map[string]*entry),
	}
}

// Set stores, replaces or retracts a retained message.
func (s *RetainedStore) Set(_ context.Context, msg *storage.Retained) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, storage.ErrClosed
	}

	bucket := s.topics[msg.Topic]
	old := bucket[msg.Subject]
	if old != nil && msg.IssuedTime < old.msg.IssuedTime {
		return false, nil
	}

	now := s.opts.Clock.Now()
	expires := s.opts.ExpiresAt(msg.Issued())
	if !expires.After(now) {
		// Already past retention; only drop what it supersedes.
		if old != nil {
			s.removeLocked(msg.Topic, msg.Subject, old)
		}
		return old != nil, nil
	}

	if !msg.Tombstone() && (old == nil || old.msg.Tombstone()) {
		if s.opts.MaxEntries > 0 && s.live >= s.opts.MaxEntries {
			return false, storage.ErrCapacityExceeded
		}
	}

	if old != nil {
		s.removeLocked(msg.Topic, msg.Subject, old)
	}

	stored := msg.Copy()
	stored.ExpiresAt = expires
	s.gen++
	e := &entry{msg: stored, gen: s.gen}
	topic, subject, gen := msg.Topic, msg.Subject, e.gen
	e.timer = s.opts.Clock.AfterFunc(expires.Sub(now), func() {
		s.expire(topic, subject, gen)
	})

	if bucket == nil {
		bucket = make(map[string]*entry)
		s.topics[msg.Topic] = bucket
	}
	bucket[msg.Subject] = e
	if !stored.Tombstone() {
		s.live++
	}
	return true, nil
}

// Get retrieves the live entry for (topic, subject).
func (s *RetainedStore) Get(_ context.Context, topic, subject string) (*storage.Retained, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.topics[topic][subject]
	if !ok || e.msg.Tombstone() {
		return nil, storage.ErrNotFound
	}
	return e.msg.Copy(), nil
}

// Delete removes an entry and cancels its timer.
func (s *RetainedStore) Delete(_ context.Context, topic, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.topics[topic][subject]; ok {
		s.removeLocked(topic, subject, e)
	}
	return nil
}

// Match returns the live entries of a topic.
func (s *RetainedStore) Match(_ context.Context, topic string) ([]*storage.Retained, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.topics[topic]
	result := make([]*storage.Retained, 0, len(bucket))
	for _, e := range bucket {
		if !e.msg.Tombstone() {
			result = append(result, e.msg.Copy())
		}
	}
	return result, nil
}

// Count returns the number of live entries.
func (s *RetainedStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live, nil
}

// Close stops all retention timers and drops every entry.
func (s *RetainedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, bucket := range s.topics {
		for subject, e := range bucket {
			s.removeLocked(topic, subject, e)
		}
	}
	s.closed = true
	return nil
}

func (s *RetainedStore) expire(topic, subject string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.topics[topic][subject]
	if !ok || e.gen != gen {
		return
	}
	s.removeLocked(topic, subject, e)
}

func (s *RetainedStore) removeLocked(topic, subject string, e *entry) {
	e.timer.Stop()
	if !e.msg.Tombstone() {
		s.live--
	}
	bucket := s.topics[topic]
	delete(bucket, subject)
	if len(bucket) == 0 {
		delete(s.topics, topic)
	}
}
