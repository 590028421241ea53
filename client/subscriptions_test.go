// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/geo"
	"github.com/YZ-social/Yz.social/testutil"
	"github.com/YZ-social/Yz.social/topics"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	subs     []string
	unsubs   []string
	renewals map[string]int
	err      error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{renewals: make(map[string]int)}
}

func (f *fakeSubscriber) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, topic)
	return f.err
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, topic)
	return f.err
}

func (f *fakeSubscriber) Renew(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals[topic]++
	return f.err
}

func (f *fakeSubscriber) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

func (f *fakeSubscriber) unsubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubs...)
}

func (f *fakeSubscriber) renewed(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals[topic]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(clk clock.Clock) *Options {
	return NewOptions().SetClock(clk).SetLogger(discardLogger())
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*core.Message
}

func (r *eventRecorder) handle(msg *core.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
}

func (r *eventRecorder) all() []*core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.Message(nil), r.events...)
}

func newSubscriptionManager(t *testing.T) (*SubscriptionManager, *fakeSubscriber, *eventRecorder, *clock.Mock) {
	t.Helper()
	clk := testutil.NewMockClock()
	fs := newFakeSubscriber()
	rec := &eventRecorder{}
	sm, err := NewSubscriptionManager(fs, testOptions(clk), rec.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sm.Cancel() })
	return sm, fs, rec, clk
}

func TestSubscriptionUpdateDiffs(t *testing.T) {
	sm, fs, _, _ := newSubscriptionManager(t)

	require.NoError(t, sm.Update([]string{"s2:1", "s2:2"}))
	require.NoError(t, sm.Update([]string{"s2:1", "s2:2"}))
	assert.ElementsMatch(t, []string{"s2:1", "s2:2"}, fs.subscribed())

	require.NoError(t, sm.Update([]string{"s2:2", "s2:3"}))
	assert.ElementsMatch(t, []string{"s2:1", "s2:2", "s2:3"}, fs.subscribed())
	assert.Equal(t, []string{"s2:1"}, fs.unsubscribed())
	assert.Equal(t, []string{"s2:2", "s2:3"}, sm.Topics())
	assert.True(t, sm.Has("s2:3"))
	assert.False(t, sm.Has("s2:1"))

	require.NoError(t, sm.Update(nil))
	assert.Empty(t, sm.Topics())
	assert.ElementsMatch(t, []string{"s2:1", "s2:2", "s2:3"}, fs.unsubscribed())
}

func TestSubscriptionUpdateReportsError(t *testing.T) {
	sm, fs, _, _ := newSubscriptionManager(t)
	fs.err = errors.New("boom")

	assert.Error(t, sm.Update([]string{"s2:1"}))
	assert.True(t, sm.Has("s2:1"))
}

func TestSubscriptionRenewal(t *testing.T) {
	sm, fs, _, clk := newSubscriptionManager(t)
	require.NoError(t, sm.Update([]string{"s2:1"}))

	// Three hours of renewals at 55 minute intervals.
	for i := 1; i <= 3; i++ {
		clk.Add(DefaultRenewInterval)
		want := i
		require.Eventually(t, func() bool {
			return fs.renewed("s2:1") == want
		}, testutil.WaitTimeout, 5*time.Millisecond)
	}
	clk.Add(10 * time.Minute)
	assert.Equal(t, 3, fs.renewed("s2:1"))
	assert.Len(t, fs.subscribed(), 1)
}

func TestSubscriptionRenewalStopsOnRemove(t *testing.T) {
	sm, fs, _, clk := newSubscriptionManager(t)
	require.NoError(t, sm.Update([]string{"s2:1"}))
	require.NoError(t, sm.Unsubscribe("s2:1"))

	clk.Add(2 * DefaultRenewInterval)
	assert.Never(t, func() bool {
		return fs.renewed("s2:1") > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSubscriptionDispatch(t *testing.T) {
	sm, _, rec, clk := newSubscriptionManager(t)
	require.NoError(t, sm.Update([]string{"s2:1"}))

	msg := core.NewPublish("s2:1", "a", []byte(`1`), clk.Now())
	assert.True(t, sm.Dispatch(msg))
	assert.False(t, sm.Dispatch(core.NewPublish("s2:9", "a", []byte(`1`), clk.Now())))
	assert.False(t, sm.Dispatch(core.NewSubscribe("s2:1", "id")))
	assert.False(t, sm.Dispatch(nil))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Same(t, msg, events[0])
}

func TestSubscriptionDispatchSuppressesEcho(t *testing.T) {
	sm, _, rec, clk := newSubscriptionManager(t)
	require.NoError(t, sm.Update([]string{"s2:1"}))

	msg := core.NewPublish("s2:1", "own", []byte(`1`), clk.Now())
	h := sm.expectEcho(msg)
	require.NotNil(t, h)
	assert.Nil(t, sm.expectEcho(msg.WithTopic("s2:9")))

	assert.False(t, sm.Dispatch(msg))
	assert.True(t, sm.Dispatch(msg))
	assert.Len(t, rec.all(), 1)
}

func TestSubscriptionHandlerReplaced(t *testing.T) {
	sm, fs, rec, clk := newSubscriptionManager(t)
	require.NoError(t, sm.Update([]string{"s2:1"}))

	other := &eventRecorder{}
	require.NoError(t, sm.Subscribe("s2:1", other.handle))
	assert.Len(t, fs.subscribed(), 1)

	sm.Dispatch(core.NewPublish("s2:1", "a", []byte(`1`), clk.Now()))
	assert.Empty(t, rec.all())
	assert.Len(t, other.all(), 1)
}

func TestSubscriptionUpdateViewport(t *testing.T) {
	clk := testutil.NewMockClock()
	fs := newFakeSubscriber()
	opts := testOptions(clk).SetFamilies("", "fire")
	sm, err := NewSubscriptionManager(fs, opts, nil)
	require.NoError(t, err)

	center := geo.Point{Lat: 37.7749, Lng: -122.4194}
	edge := geo.Point{Lat: 37.7849, Lng: -122.4194}
	require.NoError(t, sm.UpdateViewport(center, edge))

	cells := geo.DefaultCoverer.CellsCovering(center, edge)
	require.NotEmpty(t, cells)
	assert.LessOrEqual(t, len(cells), geo.DefaultCoverer.MaxCells)
	assert.ElementsMatch(t, opts.Families.Subscribe(cells), sm.Topics())
	assert.Len(t, fs.subscribed(), 2*len(cells))

	for _, topic := range sm.Topics() {
		_, err := topics.CellOf(topic)
		assert.NoError(t, err)
	}

	// The same viewport again subscribes nothing new.
	require.NoError(t, sm.UpdateViewport(center, edge))
	assert.Len(t, fs.subscribed(), 2*len(cells))

	assert.ErrorIs(t, sm.UpdateViewport(geo.Point{Lat: 91}, edge), ErrInvalidPoint)
}

func TestSubscriptionCancel(t *testing.T) {
	sm, fs, _, _ := newSubscriptionManager(t)
	require.NoError(t, sm.Update([]string{"s2:1", "s2:2"}))

	require.NoError(t, sm.Cancel())
	assert.Empty(t, sm.Topics())
	assert.ElementsMatch(t, []string{"s2:1", "s2:2"}, fs.unsubscribed())
}
