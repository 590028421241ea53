// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/YZ-social/Yz.social/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

const (
	livePrefix      = "retained/"
	tombstonePrefix = "tombstone/"
	maxTxnRetries   = 5
)

// RetainedStore implements storage.RetainedStore on an in-memory BadgerDB.
// Entries carry a Badger TTL so the database drops them on its own; reads
// also filter by the store clock.
//
// Key format: retained/{topic}\x00{subject} and tombstone/{topic}\x00{subject}
type RetainedStore struct {
	db   *badger.DB
	opts storage.RetainedOptions
}

// New opens an in-memory BadgerDB and returns a retained store owning it.
func New(opts storage.RetainedOptions) (*RetainedStore, error) {
	bopts := badger.DefaultOptions("").WithInMemory(true)
	bopts.Logger = nil // Disable BadgerDB's internal logging
	bopts.NumVersionsToKeep = 1

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return NewRetainedStore(db, opts), nil
}

// NewRetainedStore creates a retained store on an open database.
func NewRetainedStore(db *badger.DB, opts storage.RetainedOptions) *RetainedStore {
	return &RetainedStore{db: db, opts: opts.WithDefaults()}
}

func liveKey(topic, subject string) []byte {
	return []byte(livePrefix + storage.Key(topic, subject))
}

func tombstoneKey(topic, subject string) []byte {
	return []byte(tombstonePrefix + storage.Key(topic, subject))
}

// Set stores, replaces or retracts a retained message.
func (r *RetainedStore) Set(_ context.Context, msg *storage.Retained) (bool, error) {
	var changed bool
	err := r.update(func(txn *badger.Txn) error {
		changed = false
		now := r.opts.Clock.Now()

		old, oldKey, err := r.current(txn, msg.Topic, msg.Subject, now)
		if err != nil {
			return err
		}
		if old != nil && msg.IssuedTime < old.IssuedTime {
			return nil
		}

		expires := r.opts.ExpiresAt(msg.Issued())
		if !expires.After(now) {
			if old == nil {
				return nil
			}
			changed = true
			return txn.Delete(oldKey)
		}

		if !msg.Tombstone() && (old == nil || old.Tombstone()) && r.opts.MaxEntries > 0 {
			n, err := r.count(txn, now)
			if err != nil {
				return err
			}
			if n >= r.opts.MaxEntries {
				return storage.ErrCapacityExceeded
			}
		}

		key := liveKey(msg.Topic, msg.Subject)
		if msg.Tombstone() {
			key = tombstoneKey(msg.Topic, msg.Subject)
		}
		if old != nil && string(oldKey) != string(key) {
			if err := txn.Delete(oldKey); err != nil {
				return err
			}
		}

		stored := msg.Copy()
		stored.ExpiresAt = expires
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal retained message: %w", err)
		}
		changed = true
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(expires.Sub(now)))
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Get retrieves the live entry for (topic, subject).
func (r *RetainedStore) Get(_ context.Context, topic, subject string) (*storage.Retained, error) {
	var msg *storage.Retained
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(liveKey(topic, subject))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		m, err := decode(item)
		if err != nil {
			return err
		}
		if !m.ExpiresAt.After(r.opts.Clock.Now()) {
			return storage.ErrNotFound
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete removes an entry, tombstone included.
func (r *RetainedStore) Delete(_ context.Context, topic, subject string) error {
	return r.update(func(txn *badger.Txn) error {
		if err := txn.Delete(liveKey(topic, subject)); err != nil {
			return err
		}
		return txn.Delete(tombstoneKey(topic, subject))
	})
}

// Match returns the live entries of a topic.
func (r *RetainedStore) Match(_ context.Context, topic string) ([]*storage.Retained, error) {
	var matched []*storage.Retained
	now := r.opts.Clock.Now()

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(livePrefix + topic + "\x00")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			msg, err := decode(it.Item())
			if err != nil {
				return err
			}
			if msg.ExpiresAt.After(now) {
				matched = append(matched, msg)
			}
		}
		return nil
	})
	return matched, err
}

// Count returns the number of live entries.
func (r *RetainedStore) Count(context.Context) (int, error) {
	var n int
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = r.count(txn, r.opts.Clock.Now())
		return err
	})
	return n, err
}

// Close closes the underlying database.
func (r *RetainedStore) Close() error {
	return r.db.Close()
}

func (r *RetainedStore) current(txn *badger.Txn, topic, subject string, now time.Time) (*storage.Retained, []byte, error) {
	for _, key := range [][]byte{liveKey(topic, subject), tombstoneKey(topic, subject)} {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		msg, err := decode(item)
		if err != nil {
			return nil, nil, err
		}
		if msg.ExpiresAt.After(now) {
			return msg, key, nil
		}
	}
	return nil, nil, nil
}

func (r *RetainedStore) count(txn *badger.Txn, now time.Time) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(livePrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		msg, err := decode(it.Item())
		if err != nil {
			return 0, err
		}
		if msg.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (r *RetainedStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func decode(item *badger.Item) (*storage.Retained, error) {
	var msg storage.Retained
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal retained message: %w", err)
	}
	return &msg, nil
}
