// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/YZ-social/Yz.social/storage"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Epoch is the start time of mock clocks built by NewMockClock.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// NewMockClock returns a mock clock set to Epoch.
func NewMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Set(Epoch)
	return m
}

// RetainedFactory builds a fresh store for one test.
type RetainedFactory func(t *testing.T, opts storage.RetainedOptions) storage.RetainedStore

// Retained builds a retained publication issued at the given offset from Epoch.
func Retained(topic, subject, payload string, issued time.Duration) *storage.Retained {
	var p []byte
	if payload != "" {
		p = []byte(payload)
	}
	return &storage.Retained{
		Topic:      topic,
		Subject:    subject,
		Payload:    p,
		IssuedTime: Epoch.Add(issued).UnixMilli(),
	}
}

// RunRetainedStoreTests runs the behavior every RetainedStore must share.
func RunRetainedStoreTests(t *testing.T, factory RetainedFactory) {
	ctx := context.Background()

	setup := func(t *testing.T, max int) (storage.RetainedStore, *clock.Mock) {
		mock := NewMockClock()
		s := factory(t, storage.RetainedOptions{
			Retention:  10 * time.Minute,
			MaxEntries: max,
			Clock:      mock,
		})
		t.Cleanup(func() { _ = s.Close() })
		return s, mock
	}

	t.Run("set and match", func(t *testing.T) {
		s, _ := setup(t, 0)

		changed, err := s.Set(ctx, Retained("s2:1", "x", `{"msg":"help"}`, 0))
		require.NoError(t, err)
		assert.True(t, changed)
		_, err = s.Set(ctx, Retained("s2:1", "y", `[1,2]`, 0))
		require.NoError(t, err)
		_, err = s.Set(ctx, Retained("s2:2", "x", `[3,4]`, 0))
		require.NoError(t, err)

		msgs, err := s.Match(ctx, "s2:1")
		require.NoError(t, err)
		assert.Len(t, msgs, 2)

		got, err := s.Get(ctx, "s2:1", "x")
		require.NoError(t, err)
		assert.JSONEq(t, `{"msg":"help"}`, string(got.Payload))
		assert.True(t, Epoch.Add(10*time.Minute).Equal(got.ExpiresAt), "expires at %s", got.ExpiresAt)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("same subject replaces", func(t *testing.T) {
		s, _ := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "x", `1`, 0))
		require.NoError(t, err)
		_, err = s.Set(ctx, Retained("s2:1", "x", `2`, time.Second))
		require.NoError(t, err)

		msgs, err := s.Match(ctx, "s2:1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "2", string(msgs[0].Payload))
	})

	t.Run("retraction removes and blocks older publication", func(t *testing.T) {
		s, _ := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "x", `1`, 0))
		require.NoError(t, err)
		changed, err := s.Set(ctx, Retained("s2:1", "x", "", time.Millisecond))
		require.NoError(t, err)
		assert.True(t, changed)

		_, err = s.Get(ctx, "s2:1", "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		msgs, err := s.Match(ctx, "s2:1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		changed, err = s.Set(ctx, Retained("s2:1", "x", `1`, 0))
		require.NoError(t, err)
		assert.False(t, changed)
		msgs, err = s.Match(ctx, "s2:1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("earlier retraction loses", func(t *testing.T) {
		s, _ := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "a", `{"lat":1,"lng":1}`, 100*time.Millisecond))
		require.NoError(t, err)
		changed, err := s.Set(ctx, Retained("s2:1", "a", "", 99*time.Millisecond))
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := s.Get(ctx, "s2:1", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"lat":1,"lng":1}`, string(got.Payload))
	})

	t.Run("arrival order does not matter", func(t *testing.T) {
		t1 := Retained("s2:1", "a", `"t1"`, time.Second)
		t2 := Retained("s2:1", "a", `"t2"`, 2*time.Second)

		for _, order := range [][]*storage.Retained{{t1, t2}, {t2, t1}} {
			s, _ := setup(t, 0)
			for _, m := range order {
				_, err := s.Set(ctx, m)
				require.NoError(t, err)
			}
			got, err := s.Get(ctx, "s2:1", "a")
			require.NoError(t, err)
			assert.Equal(t, `"t2"`, string(got.Payload))
		}
	})

	t.Run("equal issue time later arrival wins", func(t *testing.T) {
		s, _ := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "a", `"first"`, time.Second))
		require.NoError(t, err)
		_, err = s.Set(ctx, Retained("s2:1", "a", `"second"`, time.Second))
		require.NoError(t, err)

		got, err := s.Get(ctx, "s2:1", "a")
		require.NoError(t, err)
		assert.Equal(t, `"second"`, string(got.Payload))
	})

	t.Run("expires after retention", func(t *testing.T) {
		s, mock := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "x", `1`, 0))
		require.NoError(t, err)

		mock.Add(9 * time.Minute)
		msgs, err := s.Match(ctx, "s2:1")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		mock.Add(time.Minute)
		require.Eventually(t, func() bool {
			msgs, err := s.Match(ctx, "s2:1")
			return err == nil && len(msgs) == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("replacement restarts retention", func(t *testing.T) {
		s, mock := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "x", `1`, 0))
		require.NoError(t, err)
		mock.Add(5 * time.Minute)
		_, err = s.Set(ctx, Retained("s2:1", "x", `2`, 5*time.Minute))
		require.NoError(t, err)

		// The first entry's deadline passes; the replacement must survive it.
		mock.Add(6 * time.Minute)
		time.Sleep(10 * time.Millisecond)
		got, err := s.Get(ctx, "s2:1", "x")
		require.NoError(t, err)
		assert.Equal(t, "2", string(got.Payload))
	})

	t.Run("stale publication is not retained", func(t *testing.T) {
		s, _ := setup(t, 0)

		changed, err := s.Set(ctx, Retained("s2:1", "x", `1`, -11*time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)
		msgs, err := s.Match(ctx, "s2:1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("future issue time is clamped", func(t *testing.T) {
		s, _ := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "x", `1`, time.Hour))
		require.NoError(t, err)
		got, err := s.Get(ctx, "s2:1", "x")
		require.NoError(t, err)
		assert.True(t, Epoch.Add(10*time.Minute).Equal(got.ExpiresAt), "expires at %s", got.ExpiresAt)
	})

	t.Run("capacity", func(t *testing.T) {
		s, _ := setup(t, 2)

		_, err := s.Set(ctx, Retained("s2:1", "a", `1`, 0))
		require.NoError(t, err)
		_, err = s.Set(ctx, Retained("s2:1", "b", `1`, 0))
		require.NoError(t, err)
		_, err = s.Set(ctx, Retained("s2:1", "c", `1`, 0))
		assert.ErrorIs(t, err, storage.ErrCapacityExceeded)

		// Replacing an existing subject does not need room.
		_, err = s.Set(ctx, Retained("s2:1", "a", `2`, time.Second))
		require.NoError(t, err)

		_, err = s.Set(ctx, Retained("s2:1", "b", "", time.Second))
		require.NoError(t, err)
		_, err = s.Set(ctx, Retained("s2:1", "c", `1`, time.Second))
		require.NoError(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		s, _ := setup(t, 0)

		_, err := s.Set(ctx, Retained("s2:1", "x", `1`, 0))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "s2:1", "x"))
		require.NoError(t, s.Delete(ctx, "s2:1", "missing"))

		_, err = s.Get(ctx, "s2:1", "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
