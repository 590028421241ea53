// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"hash/fnv"
	"sync"

	"github.com/benbjohnson/clock"
)

const numShards = 128

// registration is one subscriber identity on one topic. gen tells a
// firing lease timer whether it still belongs to the current entry.
type registration struct {
	sess     *session
	identity string
	timer    *clock.Timer
	gen      uint64
}

type bucket struct {
	subs map[string]*registration // by identity
}

type shard struct {
	mu     sync.Mutex
	topics map[string]*bucket
}

// registry holds the subscriber set of every topic. Topics are spread
// over a fixed number of shards; every read-modify-write of a bucket
// happens under its shard lock. The shard lock is always taken before
// a session lock.
type registry struct {
	shards [numShards]shard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].topics = make(map[string]*bucket)
	}
	return r
}

func (r *registry) shard(topic string) *shard {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return &r.shards[h.Sum32()%numShards]
}

// receivers snapshots the distinct sessions subscribed to topic.
func (r *registry) receivers(topic string) []*session {
	sh := r.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	bk, ok := sh.topics[topic]
	if !ok {
		return nil
	}
	seen := make(map[*session]struct{}, len(bk.subs))
	out := make([]*session, 0, len(bk.subs))
	for _, reg := range bk.subs {
		if _, dup := seen[reg.sess]; dup {
			continue
		}
		seen[reg.sess] = struct{}{}
		out = append(out, reg.sess)
	}
	return out
}

func (r *registry) count(topic string) int {
	sh := r.shard(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if bk, ok := sh.topics[topic]; ok {
		return len(bk.subs)
	}
	return 0
}

func (r *registry) topicCount() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.topics)
		sh.mu.Unlock()
	}
	return n
}
