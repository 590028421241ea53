// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type echoKey struct {
	topic   string
	subject string
}

type echoEntry struct {
	pending int
	expires time.Time
}

// echoSet remembers publications that were evaluated locally so that their
// copies coming back from the relay can be discarded. Entries expire after
// ttl in case the copy never arrives.
type echoSet struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[echoKey]*echoEntry
}

func newEchoSet(clk clock.Clock, ttl time.Duration) *echoSet {
	return &echoSet{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[echoKey]*echoEntry),
	}
}

// add expects one more copy of (topic, subject).
func (e *echoSet) add(topic, subject string) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(now)

	k := echoKey{topic: topic, subject: subject}
	entry, ok := e.entries[k]
	if !ok {
		entry = &echoEntry{}
		e.entries[k] = entry
	}
	entry.pending++
	entry.expires = now.Add(e.ttl)
}

// consume reports whether a copy of (topic, subject) was expected and, if
// so, marks it as received.
func (e *echoSet) consume(topic, subject string) bool {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	k := echoKey{topic: topic, subject: subject}
	entry, ok := e.entries[k]
	if !ok {
		return false
	}
	if !now.Before(entry.expires) {
		delete(e.entries, k)
		return false
	}
	entry.pending--
	if entry.pending <= 0 {
		delete(e.entries, k)
	}
	return true
}

func (e *echoSet) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(e.clock.Now())
	return len(e.entries)
}

func (e *echoSet) pruneLocked(now time.Time) {
	for k, entry := range e.entries {
		if !now.Before(entry.expires) {
			delete(e.entries, k)
		}
	}
}
