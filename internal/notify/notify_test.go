package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
	gate chan struct{}
}

func (s *recordingSink) Send(_ context.Context, n Notification) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) received() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.got...)
}

func TestTypeForAction(t *testing.T) {
	_, ok := TypeForAction(domain.ActionNone)
	assert.False(t, ok)

	typ, ok := TypeForAction(domain.ActionFlag)
	assert.True(t, ok)
	assert.Equal(t, TypeFlag, typ)
}

func TestForViolation(t *testing.T) {
	sess := &domain.Session{ID: "s1", ExamID: "e1", ParticipantID: "p1"}
	v := &domain.Violation{ID: "v1", Type: domain.ViolationTabSwitch, Severity: domain.SeverityHigh, Action: domain.ActionWarn, SequenceNumber: 4}

	n, ok := ForViolation(sess, v, domain.StateWarned, "")
	require.True(t, ok)
	assert.Equal(t, TypeWarn, n.Type)
	assert.Equal(t, "p1", n.ParticipantID)
	assert.Equal(t, "4", n.Context["sequence_number"])
	assert.Contains(t, n.Message, "leaving the exam tab")

	v.Action = domain.ActionNone
	_, ok = ForViolation(sess, v, domain.StateWarned, "")
	assert.False(t, ok)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, nil, nil)

	d.Enqueue(Notification{SessionID: "s1", Type: TypeWarn})
	d.Enqueue(Notification{SessionID: "s1", Type: TypeFlag})
	require.NoError(t, d.Close())

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, TypeWarn, got[0].Type)
	assert.Equal(t, TypeFlag, got[1].Type)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	d := NewDispatcher(sink, 2, nil, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Enqueue(Notification{SessionID: "s1", Type: TypeWarn})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a stalled sink")
	}
	assert.LessOrEqual(t, d.Pending(), 2)

	close(sink.gate)
	require.NoError(t, d.Close())
}

func TestDispatcher_SinkFailureIsContained(t *testing.T) {
	sink := &recordingSink{fail: true}
	d := NewDispatcher(sink, 4, nil, nil)
	d.Enqueue(Notification{SessionID: "s1", Type: TypeTerminate})
	require.NoError(t, d.Close())
	assert.Empty(t, sink.received())

	// Closed dispatchers drop silently.
	d.Enqueue(Notification{SessionID: "s1", Type: TypeWarn})
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := SinkFunc(func(context.Context, Notification) error { return errors.New("boom") })

	err := Fanout{ok, bad, LogSink{}}.Send(context.Background(), Notification{SessionID: "s1"})
	require.Error(t, err)
	assert.Len(t, ok.received(), 1)
}

func TestHub_DeliversToSubscribers(t *testing.T) {
	hub := NewHub()
	check := func(_ context.Context, id string) error {
		if id != "s1" {
			return domain.ErrNotFound
		}
		return nil
	}
	h := NewWebSocketHandler(hub, check, "*", true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/sessions/"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/sessions/s1", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Subscribers("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(ctx, Notification{SessionID: "s1", Type: TypeFlag, Message: "flagged"}))
	require.NoError(t, hub.Send(ctx, Notification{SessionID: "other", Type: TypeWarn}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var n Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, TypeFlag, n.Type)
	assert.Equal(t, "flagged", n.Message)

	_, _, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/sessions/unknown", nil)
	assert.Error(t, err)
}

func TestWebSocketHandler_CheckOrigin(t *testing.T) {
	h := NewWebSocketHandler(NewHub(), nil, "https://exam.example.com", false)

	r := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://exam.example.com")
	assert.True(t, h.checkOrigin(r))
}
