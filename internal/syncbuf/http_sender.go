package syncbuf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
)

// Error codes returned by the engine API that the sender interprets.
const (
	codeSessionClosed    = "session_closed"
	codeValidationFailed = "validation_failed"
)

type batchRequest struct {
	Samples []*domain.Sample `json:"samples"`
}

type batchItem struct {
	SequenceNumber uint64               `json:"sequence_number"`
	Result         *domain.IngestResult `json:"result,omitempty"`
	Error          *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type batchResponse struct {
	Items []batchItem `json:"items"`
}

// HTTPSender posts batches to the engine's replay endpoint.
type HTTPSender struct {
	baseURL string
	client  *http.Client
	header  http.Header
}

// NewHTTPSender creates a sender for the engine at baseURL. header is added
// to every request (participant identity, auth).
func NewHTTPSender(baseURL string, client *http.Client, header http.Header) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if header == nil {
		header = http.Header{}
	}
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		header:  header,
	}
}

func (s *HTTPSender) Send(ctx context.Context, sessionID string, samples []*domain.Sample) ([]Ack, error) {
	body, err := json.Marshal(batchRequest{Samples: samples})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	endpoint := s.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/samples/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range s.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // response body close

	switch {
	case resp.StatusCode == http.StatusGone:
		acks := make([]Ack, len(samples))
		for i, smp := range samples {
			acks[i] = Ack{SequenceNumber: smp.SequenceNumber, Status: AckClosed}
		}
		return acks, nil
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	acks := make([]Ack, 0, len(out.Items))
	for _, it := range out.Items {
		a := Ack{SequenceNumber: it.SequenceNumber, Result: it.Result}
		switch {
		case it.Error == nil:
			a.Status = AckAccepted
		case it.Error.Code == codeSessionClosed:
			a.Status = AckClosed
		case it.Error.Code == codeValidationFailed:
			a.Status = AckRejected
		default:
			a.Status = AckRetry
		}
		acks = append(acks, a)
	}
	return acks, nil
}
