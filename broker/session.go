// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"

	"github.com/YZ-social/Yz.social/core"
)

// session is the broker side of one connection. It indexes the
// registrations the connection owns so that closing it touches only
// its own topics.
type session struct {
	conn   core.Connection
	id     string
	remote string

	mu     sync.Mutex
	topics map[string]map[string]struct{} // topic -> identities
	closed bool
}

func newSession(conn core.Connection) *session {
	return &session{
		conn:   conn,
		id:     conn.ID(),
		remote: conn.RemoteAddr(),
		topics: make(map[string]map[string]struct{}),
	}
}

// track records a registration. It fails once the session was drained.
func (s *session) track(topic, identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	ids, ok := s.topics[topic]
	if !ok {
		ids = make(map[string]struct{})
		s.topics[topic] = ids
	}
	ids[identity] = struct{}{}
	return true
}

func (s *session) untrack(topic, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(ids, identity)
	if len(ids) == 0 {
		delete(s.topics, topic)
	}
}

// drain closes the index and hands back everything it held.
func (s *session) drain() map[string]map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	topics := s.topics
	s.topics = make(map[string]map[string]struct{})
	return topics
}

func (s *session) topicCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}
