// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YZ-social/Yz.social/core"
	"github.com/YZ-social/Yz.social/geo"
	"github.com/YZ-social/Yz.social/testutil"
	"github.com/YZ-social/Yz.social/topics"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*core.Message
	err  error
}

func (f *fakeSender) Send(msg *core.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) messages() []*core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.Message(nil), f.sent...)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

var alertPoint = geo.Point{Lat: 40.7128, Lng: -74.0060}

func newPublisher(t *testing.T, opts *Options, subs *SubscriptionManager) (*Publisher, *fakeSender) {
	t.Helper()
	fs := &fakeSender{}
	p, err := NewPublisher(fs, subs, opts)
	require.NoError(t, err)
	return p, fs
}

func TestPublishToContainingCells(t *testing.T) {
	clk := testutil.NewMockClock()
	p, fs := newPublisher(t, testOptions(clk), nil)

	pub, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`{"kind":"fire"}`)})
	require.NoError(t, err)

	assert.NotEmpty(t, pub.Subject)
	assert.True(t, clk.Now().Equal(pub.Issued))
	want := topics.ForCells(geo.DefaultCoverer.CellsContaining(alertPoint), "")
	assert.Equal(t, want, pub.Topics)
	assert.Len(t, pub.Topics, geo.DefaultContainingLevels)

	sent := fs.messages()
	require.Len(t, sent, len(want))
	for i, msg := range sent {
		assert.Equal(t, core.TypePublish, msg.Type)
		assert.Equal(t, want[i], msg.Topic)
		assert.Equal(t, pub.Subject, msg.Subject)
		assert.Equal(t, clk.Now().UnixMilli(), msg.IssuedTime)
		assert.JSONEq(t, `{"kind":"fire"}`, string(msg.Payload))
	}
}

func TestPublishRetractsPrevious(t *testing.T) {
	clk := testutil.NewMockClock()
	p, fs := newPublisher(t, testOptions(clk), nil)

	first, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`)})
	require.NoError(t, err)
	fs.reset()

	clk.Add(time.Second)
	moved := geo.Point{Lat: 40.7306, Lng: -73.9352}
	second, err := p.Publish(PublishRequest{Point: moved, Payload: json.RawMessage(`2`)})
	require.NoError(t, err)
	assert.NotEqual(t, first.Subject, second.Subject)

	sent := fs.messages()
	require.Len(t, sent, len(first.Topics)+len(second.Topics))
	for i, topic := range first.Topics {
		msg := sent[i]
		assert.Equal(t, topic, msg.Topic)
		assert.Equal(t, first.Subject, msg.Subject)
		assert.True(t, msg.IsNull())
		assert.Equal(t, second.Issued.UnixMilli()-1, msg.IssuedTime)
	}
	for _, msg := range sent[len(first.Topics):] {
		assert.Equal(t, second.Subject, msg.Subject)
		assert.False(t, msg.IsNull())
	}
}

func TestPublishKeepPrevious(t *testing.T) {
	p, fs := newPublisher(t, testOptions(testutil.NewMockClock()), nil)

	_, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`)})
	require.NoError(t, err)
	fs.reset()

	pub, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`2`), KeepPrevious: true})
	require.NoError(t, err)
	for _, msg := range fs.messages() {
		assert.False(t, msg.IsNull())
	}
	assert.Equal(t, pub.Subject, p.Last().Subject)
}

func TestPublishTagSelectsFamily(t *testing.T) {
	opts := testOptions(testutil.NewMockClock()).SetFamilies("", "fire")
	p, _ := newPublisher(t, opts, nil)

	pub, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`), Tag: "fire"})
	require.NoError(t, err)
	assert.Equal(t, "fire", pub.Tag)
	for _, topic := range pub.Topics {
		tag, ok := topics.TagOf(topic)
		assert.True(t, ok)
		assert.Equal(t, "fire", tag)
	}

	pub, err = p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`), Tag: "flood"})
	require.NoError(t, err)
	assert.Equal(t, "", pub.Tag)
}

func TestPublishRejectsInvalidRequests(t *testing.T) {
	p, fs := newPublisher(t, testOptions(testutil.NewMockClock()), nil)

	_, err := p.Publish(PublishRequest{Point: geo.Point{Lat: 100}, Payload: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrInvalidPoint)

	_, err = p.Publish(PublishRequest{Point: alertPoint})
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(` null `)})
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, core.ErrMalformedMessage)

	assert.Empty(t, fs.messages())
	assert.Nil(t, p.Last())
}

func TestPublishReportsSendError(t *testing.T) {
	p, fs := newPublisher(t, testOptions(testutil.NewMockClock()), nil)
	fs.err = errors.New("down")

	pub, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`)})
	assert.Error(t, err)
	require.NotNil(t, pub)
	assert.Len(t, fs.messages(), len(pub.Topics))
}

func TestPublishEvaluatesLocally(t *testing.T) {
	clk := testutil.NewMockClock()
	opts := testOptions(clk)
	rec := &eventRecorder{}
	sm, err := NewSubscriptionManager(newFakeSubscriber(), opts, rec.handle)
	require.NoError(t, err)

	cells := opts.Coverer.CellsContaining(alertPoint)
	watched := topics.For(cells[0], "")
	require.NoError(t, sm.Update([]string{watched}))

	p, fs := newPublisher(t, opts, sm)
	pub, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`), Subject: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", pub.Subject)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, watched, events[0].Topic)

	// The relay's copy is not dispatched again; a later copy is.
	for _, msg := range fs.messages() {
		sm.Dispatch(msg)
	}
	assert.Len(t, rec.all(), 1)
	sm.Dispatch(events[0])
	assert.Len(t, rec.all(), 2)
}

func TestRetract(t *testing.T) {
	clk := testutil.NewMockClock()
	p, fs := newPublisher(t, testOptions(clk), nil)

	assert.ErrorIs(t, p.Retract(), ErrNothingToRetract)

	pub, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`)})
	require.NoError(t, err)
	fs.reset()

	clk.Add(time.Minute)
	require.NoError(t, p.Retract())
	sent := fs.messages()
	require.Len(t, sent, len(pub.Topics))
	for _, msg := range sent {
		assert.True(t, msg.IsNull())
		assert.Equal(t, pub.Subject, msg.Subject)
		assert.Equal(t, clk.Now().UnixMilli(), msg.IssuedTime)
	}
	assert.Nil(t, p.Last())
	assert.ErrorIs(t, p.Retract(), ErrNothingToRetract)
}

func TestLastIsACopy(t *testing.T) {
	p, _ := newPublisher(t, testOptions(clock.NewMock()), nil)

	_, err := p.Publish(PublishRequest{Point: alertPoint, Payload: json.RawMessage(`1`)})
	require.NoError(t, err)

	last := p.Last()
	last.Topics[0] = "changed"
	assert.NotEqual(t, "changed", p.Last().Topics[0])
}
