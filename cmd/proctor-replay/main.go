// proctor-replay uploads monitoring samples captured while a client was
// offline. Samples are read as NDJSON, numbered after -last-seq and flushed to
// proctord in batches, retrying until every sample is acknowledged.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/ashureev/proctor-engine/internal/identity"
	"github.com/ashureev/proctor-engine/internal/syncbuf"
)

func main() {
	var (
		server      = flag.String("server", "http://localhost:8080", "proctord base URL")
		sessionID   = flag.String("session", "", "session id (required)")
		input       = flag.String("file", "-", "NDJSON samples file, - for stdin")
		lastSeq     = flag.Uint64("last-seq", 0, "highest sequence number already sent for the session")
		batchSize   = flag.Int("batch", 100, "samples per request")
		maxAttempts = flag.Int("attempts", 8, "flush attempts before giving up")
		token       = flag.String("token", os.Getenv("PROCTOR_TOKEN"), "bearer token")
		participant = flag.String("participant", "", "participant id header for development servers")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *sessionID == "" {
		slog.Error("-session is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}
	if *participant != "" {
		header.Set(identity.ParticipantHeaderName, *participant)
	}

	buf := syncbuf.NewBuffer(*sessionID, *lastSeq, 0, *batchSize, syncbuf.NewHTTPSender(*server, nil, header))

	n, err := load(*input, buf)
	if err != nil {
		slog.Error("Failed to read samples", "error", err)
		os.Exit(1)
	}
	slog.Info("Samples buffered", "count", n, "session_id", *sessionID)

	if err := flushWithRetry(ctx, buf, *maxAttempts); err != nil {
		slog.Error("Replay incomplete", "error", err, "pending", buf.Pending())
		os.Exit(1)
	}
	slog.Info("Replay complete", "session_id", *sessionID)
}

func load(path string, buf *syncbuf.Buffer) (int, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close() //nolint:errcheck // read-only file
		r = f
	}
	return readSamples(r, buf)
}

// readSamples adds every non-empty line of r to buf in file order. Any
// sequence numbers in the input are replaced by the buffer's numbering.
func readSamples(r io.Reader, buf *syncbuf.Buffer) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)

	count := 0
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var s domain.Sample
		if err := json.Unmarshal(raw, &s); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := buf.Add(&s); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		count++
	}
	return count, sc.Err()
}

// flushWithRetry flushes until the buffer is empty, backing off between
// attempts that leave samples pending.
func flushWithRetry(ctx context.Context, buf *syncbuf.Buffer, maxAttempts int) error {
	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		report, err := buf.Flush(ctx)
		slog.Info("Flush attempt",
			"attempt", attempt,
			"sent", report.Sent,
			"accepted", report.Accepted,
			"rejected", report.Rejected,
			"pending", report.Pending,
		)
		for _, res := range report.Results {
			if res.Action != domain.ActionNone {
				slog.Warn("Policy action", "sequence_number", res.SequenceNumber, "action", res.Action, "state", res.State)
			}
		}
		if errors.Is(err, syncbuf.ErrClosed) {
			return err
		}
		if err == nil && buf.Pending() == 0 {
			return nil
		}
		if err != nil {
			slog.Warn("Flush failed", "error", err)
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("gave up after %d attempts", attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
