// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/YZ-social/Yz.social/core"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
)

// Alert is the current state of one subject.
type Alert struct {
	Subject string
	// Topic is the topic the alert was first seen on.
	Topic   string
	Payload json.RawMessage
	Issued  time.Time
	Expires time.Time
}

// Remaining returns the fraction of the alert's life left at now, in [0, 1].
func (a Alert) Remaining(now time.Time) float64 {
	total := a.Expires.Sub(a.Issued)
	if total <= 0 {
		return 0
	}
	left := a.Expires.Sub(now)
	switch {
	case left <= 0:
		return 0
	case left >= total:
		return 1
	default:
		return float64(left) / float64(total)
	}
}

// ChangeKind classifies the effect of an event on the alert book.
type ChangeKind int

// Change kinds.
const (
	ChangeNone ChangeKind = iota
	ChangeAdded
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNone:
		return "none"
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is the result of applying an event.
type Change struct {
	Kind  ChangeKind
	Alert Alert
}

type alertEntry struct {
	alert  Alert
	issued int64
	// removed marks a retraction kept so that an older publication arriving
	// late cannot bring the alert back.
	removed bool
}

// AlertBook holds one alert per subject. The same alert arrives on every
// cell topic containing it and again on each retained replay; the book
// applies them with last-write-wins on issue time, later arrival winning
// ties.
type AlertBook struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*alertEntry
}

// NewAlertBook creates an empty book whose alerts live ttl after issuance.
func NewAlertBook(clk clock.Clock, ttl time.Duration) *AlertBook {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultAlertTTL
	}
	return &AlertBook{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]*alertEntry),
	}
}

// Apply applies a publication or retraction.
func (b *AlertBook) Apply(msg *core.Message) Change {
	if msg == nil || msg.Type != core.TypePublish || msg.Subject == "" {
		return Change{}
	}
	now := b.clock.Now()
	issued := msg.Issued()
	retraction := msg.IsNull()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)

	e, ok := b.entries[msg.Subject]
	if ok && msg.IssuedTime < e.issued {
		return Change{}
	}

	if retraction {
		tombstone := &alertEntry{
			alert: Alert{
				Subject: msg.Subject,
				Topic:   msg.Topic,
				Issued:  issued,
				Expires: laterOf(issued, now).Add(b.ttl),
			},
			issued:  msg.IssuedTime,
			removed: true,
		}
		b.entries[msg.Subject] = tombstone
		if ok && !e.removed {
			return Change{Kind: ChangeRemoved, Alert: e.alert}
		}
		return Change{}
	}

	expires := issued.Add(b.ttl)
	if !now.Before(expires) {
		return Change{}
	}
	payload := compact(msg.Payload)
	if ok && !e.removed && e.issued == msg.IssuedTime && bytes.Equal(e.alert.Payload, payload) {
		return Change{}
	}

	alert := Alert{
		Subject: msg.Subject,
		Topic:   msg.Topic,
		Payload: payload,
		Issued:  issued,
		Expires: expires,
	}
	if ok && !e.removed {
		alert.Topic = e.alert.Topic
	}
	b.entries[msg.Subject] = &alertEntry{alert: alert, issued: msg.IssuedTime}

	if ok && !e.removed {
		return Change{Kind: ChangeUpdated, Alert: alert}
	}
	return Change{Kind: ChangeAdded, Alert: alert}
}

// Get returns the live alert for subject.
func (b *AlertBook) Get(subject string) (Alert, bool) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[subject]
	if !ok || e.removed || !now.Before(e.alert.Expires) {
		return Alert{}, false
	}
	return e.alert, true
}

// Active returns the live alerts, oldest first.
func (b *AlertBook) Active() []Alert {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)

	alerts := make([]Alert, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.removed {
			alerts = append(alerts, e.alert)
		}
	}
	slices.SortFunc(alerts, func(x, y Alert) int {
		if c := x.Issued.Compare(y.Issued); c != 0 {
			return c
		}
		return strings.Compare(x.Subject, y.Subject)
	})
	return alerts
}

// Len returns the number of live alerts.
func (b *AlertBook) Len() int {
	return len(b.Active())
}

// Expire drops alerts and retractions past their lifetime and returns the
// alerts that were still live before.
func (b *AlertBook) Expire() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expireLocked(b.clock.Now())
}

func (b *AlertBook) expireLocked(now time.Time) []Alert {
	var expired []Alert
	for subject, e := range b.entries {
		if now.Before(e.alert.Expires) {
			continue
		}
		delete(b.entries, subject)
		if !e.removed {
			expired = append(expired, e.alert)
		}
	}
	return expired
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func compact(payload json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return buf.Bytes()
}
