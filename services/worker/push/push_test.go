// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package push

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	shown     []Notification
	failFirst int
	failAll   bool
	calls     int
}

func (n *fakeNotifier) Show(_ context.Context, notif Notification) error {
	n.calls++
	if n.failAll || n.calls <= n.failFirst {
		return errors.New("display unavailable")
	}
	n.shown = append(n.shown, notif)
	return nil
}

type fakeNavigator struct {
	hasClient bool
	focused   int
	opened    []string
}

func (n *fakeNavigator) FocusExisting(context.Context) (bool, error) {
	if n.hasClient {
		n.focused++
		return true, nil
	}
	return false, nil
}

func (n *fakeNavigator) OpenWindow(_ context.Context, url string) error {
	n.opened = append(n.opened, url)
	return nil
}

func TestParsePayload(t *testing.T) {
	t.Run("full json", func(t *testing.T) {
		p := ParsePayload([]byte(`{"title":"Break over","body":"Back to focus","url":"/session"}`))
		assert.Equal(t, Payload{Title: "Break over", Body: "Back to focus", URL: "/session"}, p)
	})

	t.Run("partial json gets defaults", func(t *testing.T) {
		p := ParsePayload([]byte(`{"body":"Back to focus"}`))
		assert.Equal(t, DefaultTitle, p.Title)
		assert.Equal(t, "Back to focus", p.Body)
		assert.Equal(t, DefaultURL, p.URL)
	})

	t.Run("plain text becomes the body", func(t *testing.T) {
		p := ParsePayload([]byte("session complete"))
		assert.Equal(t, DefaultTitle, p.Title)
		assert.Equal(t, "session complete", p.Body)
	})

	t.Run("empty payload is all defaults", func(t *testing.T) {
		p := ParsePayload(nil)
		assert.Equal(t, Payload{Title: DefaultTitle, Body: DefaultBody, URL: DefaultURL}, p)
	})
}

func TestHandlePush_ShowsNotification(t *testing.T) {
	notifier := &fakeNotifier{}
	h := NewHandler(notifier, &fakeNavigator{}, nil)

	h.HandlePush(context.Background(), []byte(`{"title":"Hi","body":"there","url":"/x"}`))

	require.Len(t, notifier.shown, 1)
	n := notifier.shown[0]
	assert.Equal(t, "Hi", n.Title)
	assert.NotEmpty(t, n.Icon)
	assert.NotEmpty(t, n.Badge)
	assert.NotEmpty(t, n.Vibrate)
}

func TestHandlePush_FallsBackToMinimal(t *testing.T) {
	notifier := &fakeNotifier{failFirst: 1}
	h := NewHandler(notifier, &fakeNavigator{}, nil)

	h.HandlePush(context.Background(), []byte(`{"body":"fragile"}`))

	require.Len(t, notifier.shown, 1)
	assert.Equal(t, DefaultTitle, notifier.shown[0].Title)
	assert.Equal(t, "fragile", notifier.shown[0].Body)
	assert.Empty(t, notifier.shown[0].Icon)
}

func TestHandlePush_TotalFailureIsDropped(t *testing.T) {
	notifier := &fakeNotifier{failAll: true}
	h := NewHandler(notifier, &fakeNavigator{}, nil)

	// Must not panic or propagate.
	h.HandlePush(context.Background(), []byte(`not json at all`))
	assert.Empty(t, notifier.shown)
}

func TestHandleClick_FocusesExistingClient(t *testing.T) {
	nav := &fakeNavigator{hasClient: true}
	h := NewHandler(&fakeNotifier{}, nav, nil)

	h.HandleClick(context.Background(), Notification{URL: "/session"})

	assert.Equal(t, 1, nav.focused)
	assert.Empty(t, nav.opened)
}

func TestHandleClick_OpensWhenNoClient(t *testing.T) {
	nav := &fakeNavigator{}
	h := NewHandler(&fakeNotifier{}, nav, nil)

	h.HandleClick(context.Background(), Notification{URL: "/session"})
	assert.Equal(t, []string{"/session"}, nav.opened)

	h.HandleClick(context.Background(), Notification{})
	assert.Equal(t, []string{"/session", DefaultURL}, nav.opened)
}
