package syncbuf

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSender acknowledges according to a per-call function.
type scriptedSender struct {
	mu    sync.Mutex
	calls [][]uint64
	fn    func(call int, samples []*domain.Sample) ([]Ack, error)
}

func (s *scriptedSender) Send(_ context.Context, _ string, samples []*domain.Sample) ([]Ack, error) {
	s.mu.Lock()
	seqs := make([]uint64, len(samples))
	for i, smp := range samples {
		seqs[i] = smp.SequenceNumber
	}
	s.calls = append(s.calls, seqs)
	call := len(s.calls)
	s.mu.Unlock()
	return s.fn(call, samples)
}

func acceptAll(_ int, samples []*domain.Sample) ([]Ack, error) {
	acks := make([]Ack, len(samples))
	for i, s := range samples {
		acks[i] = Ack{SequenceNumber: s.SequenceNumber, Status: AckAccepted}
	}
	return acks, nil
}

func tabSample() *domain.Sample {
	return &domain.Sample{SignalType: domain.SignalTab, Tab: &domain.TabPayload{Visible: false}}
}

func TestBuffer_AssignsMonotonicSequence(t *testing.T) {
	b := NewBuffer("s1", 7, 0, 10, &scriptedSender{fn: acceptAll})
	for want := uint64(8); want <= 10; want++ {
		got, err := b.Add(tabSample())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, b.Pending())
}

func TestBuffer_FullRejects(t *testing.T) {
	b := NewBuffer("s1", 0, 2, 10, &scriptedSender{fn: acceptAll})
	_, err := b.Add(tabSample())
	require.NoError(t, err)
	_, err = b.Add(tabSample())
	require.NoError(t, err)
	_, err = b.Add(tabSample())
	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestBuffer_KeepsSamplesWhileOffline(t *testing.T) {
	online := false
	sender := &scriptedSender{fn: func(call int, samples []*domain.Sample) ([]Ack, error) {
		if !online {
			return nil, errors.New("network unreachable")
		}
		return acceptAll(call, samples)
	}}
	b := NewBuffer("s1", 0, 0, 2, sender)
	for i := 0; i < 5; i++ {
		_, err := b.Add(tabSample())
		require.NoError(t, err)
	}

	_, err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 5, b.Pending())

	online = true
	report, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Accepted)
	assert.Equal(t, 0, b.Pending())

	// Same numbers are resent after the outage, in order and in batches.
	assert.Equal(t, [][]uint64{{1, 2}, {1, 2}, {3, 4}, {5}}, sender.calls)
}

func TestBuffer_RetryStopsFlush(t *testing.T) {
	sender := &scriptedSender{fn: func(_ int, samples []*domain.Sample) ([]Ack, error) {
		return []Ack{
			{SequenceNumber: samples[0].SequenceNumber, Status: AckAccepted},
			{SequenceNumber: samples[1].SequenceNumber, Status: AckRetry},
			{SequenceNumber: samples[2].SequenceNumber, Status: AckAccepted},
		}, nil
	}}
	b := NewBuffer("s1", 0, 0, 10, sender)
	for i := 0; i < 3; i++ {
		_, err := b.Add(tabSample())
		require.NoError(t, err)
	}

	report, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 2, b.Pending())
}

func TestBuffer_ClosedDiscards(t *testing.T) {
	sender := &scriptedSender{fn: func(_ int, samples []*domain.Sample) ([]Ack, error) {
		return []Ack{
			{SequenceNumber: samples[0].SequenceNumber, Status: AckAccepted},
			{SequenceNumber: samples[1].SequenceNumber, Status: AckClosed},
		}, nil
	}}
	b := NewBuffer("s1", 0, 0, 10, sender)
	for i := 0; i < 3; i++ {
		_, err := b.Add(tabSample())
		require.NoError(t, err)
	}

	_, err := b.Flush(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, b.Closed())
	assert.Equal(t, 0, b.Pending())

	_, err = b.Add(tabSample())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPSender_MapsItemErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/s1/samples/batch", r.URL.Path)
		assert.Equal(t, "p-1", r.Header.Get("X-Participant-ID"))

		var req batchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Samples, 3)

		_, _ = w.Write([]byte(`{"items":[
			{"sequence_number":1,"result":{"session_id":"s1","sequence_number":1,"state":"WARNED","action":"WARN"}},
			{"sequence_number":2,"error":{"code":"validation_failed","message":"bad"}},
			{"sequence_number":3,"error":{"code":"lock_unavailable","message":"busy"}}
		]}`))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("X-Participant-ID", "p-1")
	sender := NewHTTPSender(srv.URL, srv.Client(), header)

	samples := []*domain.Sample{{SequenceNumber: 1}, {SequenceNumber: 2}, {SequenceNumber: 3}}
	acks, err := sender.Send(context.Background(), "s1", samples)
	require.NoError(t, err)
	require.Len(t, acks, 3)
	assert.Equal(t, AckAccepted, acks[0].Status)
	assert.Equal(t, domain.ActionWarn, acks[0].Result.Action)
	assert.Equal(t, AckRejected, acks[1].Status)
	assert.Equal(t, AckRetry, acks[2].Status)
}

func TestHTTPSender_GoneClosesAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	acks, err := NewHTTPSender(srv.URL, nil, nil).Send(context.Background(), "s1", []*domain.Sample{{SequenceNumber: 4}})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, AckClosed, acks[0].Status)
}

func TestHTTPSender_ServerErrorKeepsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSender(srv.URL, nil, nil).Send(context.Background(), "s1", []*domain.Sample{{SequenceNumber: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
