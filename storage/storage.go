// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// Common errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("retained message capacity exceeded")
	ErrClosed           = errors.New("store closed")
)

// Retained is the last known publication of a subject under a topic.
// A nil Payload marks a tombstone left by a retraction.
type Retained struct {
	Topic      string    `json:"topic"`
	Subject    string    `json:"subject"`
	Payload    []byte    `json:"payload,omitempty"`
	IssuedTime int64     `json:"issued_time"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Tombstone reports whether r records a retraction.
func (r *Retained) Tombstone() bool {
	return len(r.Payload) == 0
}

// Issued returns the issue time of r.
func (r *Retained) Issued() time.Time {
	return time.UnixMilli(r.IssuedTime)
}

// Copy returns a deep copy of r.
func (r *Retained) Copy() *Retained {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}

// RetainedStore keeps at most one retained publication per (topic, subject)
// for a bounded retention window. Writes resolve conflicts last-write-wins by
// issue time, with ties going to the later write.
type RetainedStore interface {
	// Set applies msg. A nil payload replaces any live entry with a tombstone
	// so that older publications arriving later cannot resurrect it.
	// It reports whether the stored state changed.
	Set(ctx context.Context, msg *Retained) (bool, error)

	// Get returns the live entry for (topic, subject).
	Get(ctx context.Context, topic, subject string) (*Retained, error)

	// Delete removes an entry, tombstone included.
	Delete(ctx context.Context, topic, subject string) error

	// Match returns all live entries for an exact topic, in any order.
	Match(ctx context.Context, topic string) ([]*Retained, error)

	// Count returns the number of live entries.
	Count(ctx context.Context) (int, error)

	Close() error
}

// RetainedOptions configures a RetainedStore.
type RetainedOptions struct {
	// Retention is how long a publication is kept after it was issued.
	Retention time.Duration
	// MaxEntries caps the number of live entries; 0 means unlimited.
	MaxEntries int
	Clock      clock.Clock
}

// DefaultRetention is the default retention window.
const DefaultRetention = 10 * time.Minute

// WithDefaults fills unset options.
func (o RetainedOptions) WithDefaults() RetainedOptions {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// ExpiresAt returns when a publication issued at issued expires. The result
// is clamped to [now, now+retention]: a publisher clock running ahead cannot
// extend retention, and a publication issued more than one retention window
// ago expires at once and is not retained.
func (o RetainedOptions) ExpiresAt(issued time.Time) time.Time {
	now := o.Clock.Now()
	exp := issued.Add(o.Retention)
	if latest := now.Add(o.Retention); exp.After(latest) {
		return latest
	}
	if exp.Before(now) {
		return now
	}
	return exp
}

// Key returns the storage key of a (topic, subject) pair.
func Key(topic, subject string) string {
	return topic + "\x00" + subject
}
