package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/protocol"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(Config{
		DebounceWindow: 20 * time.Millisecond,
		DedupWindow:    time.Minute,
		RateWindow:     time.Minute,
		RateLimit:      3,
	}, nil, zerolog.Nop())
}

func recvTaskUpdate(t *testing.T, ch <-chan any, within time.Duration) protocol.TaskUpdate {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("send channel closed")
		}
		update, ok := msg.(protocol.TaskUpdate)
		if !ok {
			t.Fatalf("message type = %T, want TaskUpdate", msg)
		}
		return update
	case <-time.After(within):
		t.Fatalf("no message within %v", within)
	}
	return protocol.TaskUpdate{}
}

func expectNoMessage(t *testing.T, ch <-chan any, within time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(within):
	}
}

func TestHubDeliversFinalUpdateImmediately(t *testing.T) {
	h := newTestHub(t)
	ch, done := h.Connect("c-1")
	defer done()

	h.PublishTaskUpdate(protocol.TaskUpdate{
		Type: protocol.TypeTaskUpdate, TaskID: "t-1", Status: "processing", EventID: "e-1",
	}, true)

	got := recvTaskUpdate(t, ch, 100*time.Millisecond)
	if got.EventID != "e-1" || got.Status != "processing" {
		t.Fatalf("got = %+v", got)
	}
}

func TestHubQueuesForDisconnectedAndFlushesOnReconnect(t *testing.T) {
	h := newTestHub(t)
	_, done := h.Connect("c-1")
	done()

	h.PublishTaskUpdate(protocol.TaskUpdate{
		Type: protocol.TypeTaskUpdate, TaskID: "t-1", Status: "pending_approval", EventID: "e-1",
	}, true)
	if h.QueuedFor("c-1") != 1 {
		t.Fatalf("QueuedFor = %d, want 1", h.QueuedFor("c-1"))
	}

	ch, done2 := h.Connect("c-1")
	defer done2()
	got := recvTaskUpdate(t, ch, 100*time.Millisecond)
	if got.EventID != "e-1" {
		t.Fatalf("flushed event = %+v, want e-1", got)
	}
	expectNoMessage(t, ch, 50*time.Millisecond)
}

func TestHubNeverRedeliversSameEventID(t *testing.T) {
	h := newTestHub(t)
	ch, done := h.Connect("c-1")
	defer done()

	update := protocol.TaskUpdate{
		Type: protocol.TypeTaskUpdate, TaskID: "t-1", Status: "applied", EventID: "e-dup",
	}
	h.PublishTaskUpdate(update, true)
	h.PublishTaskUpdate(update, true)

	got := recvTaskUpdate(t, ch, 100*time.Millisecond)
	if got.EventID != "e-dup" {
		t.Fatalf("got = %+v", got)
	}
	expectNoMessage(t, ch, 50*time.Millisecond)
}

func TestHubDebouncesNonFinalUpdates(t *testing.T) {
	h := newTestHub(t)
	ch, done := h.Connect("c-1")
	defer done()

	for i, status := range []string{"processing", "processing", "tested"} {
		h.PublishTaskUpdate(protocol.TaskUpdate{
			Type:    protocol.TypeTaskUpdate,
			TaskID:  "t-1",
			Status:  status,
			EventID: []string{"e-a", "e-b", "e-c"}[i],
		}, false)
	}

	got := recvTaskUpdate(t, ch, 200*time.Millisecond)
	if got.Status != "tested" || got.EventID != "e-c" {
		t.Fatalf("debounced update = %+v, want latest (tested/e-c)", got)
	}
	expectNoMessage(t, ch, 50*time.Millisecond)
}

func TestHubFinalUpdateCancelsPendingDebounce(t *testing.T) {
	h := newTestHub(t)
	ch, done := h.Connect("c-1")
	defer done()

	h.PublishTaskUpdate(protocol.TaskUpdate{
		Type: protocol.TypeTaskUpdate, TaskID: "t-1", Status: "processing", EventID: "e-1",
	}, false)
	h.PublishTaskUpdate(protocol.TaskUpdate{
		Type: protocol.TypeTaskUpdate, TaskID: "t-1", Status: "pending_approval", EventID: "e-2",
	}, true)

	got := recvTaskUpdate(t, ch, 100*time.Millisecond)
	if got.EventID != "e-2" {
		t.Fatalf("got = %+v, want final e-2", got)
	}
	// The superseded non-final update never arrives.
	expectNoMessage(t, ch, 60*time.Millisecond)
}

func TestHubReconnectClosesStaleChannel(t *testing.T) {
	h := newTestHub(t)
	staleCh, staleDone := h.Connect("c-1")

	ch, done := h.Connect("c-1")
	defer done()

	select {
	case _, ok := <-staleCh:
		if ok {
			t.Fatalf("stale channel delivered a message, want close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("stale channel never closed on reconnect")
	}

	// The stale connection's disconnect is a no-op against the live channel.
	staleDone()
	if !h.Connected("c-1") {
		t.Fatalf("Connected = false after stale disconnect, want true")
	}

	h.PublishTaskUpdate(protocol.TaskUpdate{
		Type: protocol.TypeTaskUpdate, TaskID: "t-1", Status: "applied", EventID: "e-1",
	}, true)
	got := recvTaskUpdate(t, ch, 100*time.Millisecond)
	if got.EventID != "e-1" {
		t.Fatalf("live channel got = %+v, want e-1", got)
	}
}

func TestHubAdmissionControl(t *testing.T) {
	h := newTestHub(t)
	for i := 0; i < 3; i++ {
		if err := h.Admit("10.0.0.1:5000"); err != nil {
			t.Fatalf("Admit(%d) error = %v", i, err)
		}
	}
	if err := h.Admit("10.0.0.1:5001"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("Admit() over limit error = %v, want ErrTooManyConnections", err)
	}
	// Different address is unaffected.
	if err := h.Admit("10.0.0.2:5000"); err != nil {
		t.Fatalf("Admit(other addr) error = %v", err)
	}
}

func TestHubInboundDedup(t *testing.T) {
	h := newTestHub(t)
	calls := 0
	h.SetInboundHandler(func(clientID string, msg any) { calls++ })

	msg := protocol.Feedback{Type: protocol.TypeFeedback, Message: "hi", EventID: "fb-1"}
	if !h.HandleInbound("c-1", msg) {
		t.Fatalf("first HandleInbound = false, want true")
	}
	if h.HandleInbound("c-1", msg) {
		t.Fatalf("duplicate HandleInbound = true, want false")
	}
	// Same eventId from a different client is not a duplicate.
	if !h.HandleInbound("c-2", msg) {
		t.Fatalf("other-client HandleInbound = false, want true")
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestHubPublishProposal(t *testing.T) {
	h := newTestHub(t)
	ch, done := h.Connect("c-1")
	defer done()

	h.PublishProposal(protocol.BackendProposal{
		Type: protocol.TypeBackendProposal, TaskID: "t-1", EventID: "p-1",
	})
	select {
	case msg := <-ch:
		if _, ok := msg.(protocol.BackendProposal); !ok {
			t.Fatalf("message type = %T, want BackendProposal", msg)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("no proposal message")
	}
}
