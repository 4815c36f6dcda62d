// Package forward relays a provider's token stream back to the caller. The
// upstream protocol is an HTTP POST answered with line-delimited JSON
// chunks; the final chunk carries done=true.
package forward

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cybergolemai/gollem-lob/internal/orderbook"
)

// ErrUpstream reports a provider connect, transport or chunk-parse failure.
// It terminates the stream.
var ErrUpstream = errors.New("forward: upstream provider error")

// maxChunkBytes bounds a single chunk line. Provider chunks are single
// tokens plus metadata; anything near this size is malformed.
const maxChunkBytes = 1 << 20

// Chunk is one upstream response frame, re-emitted verbatim to the caller.
type Chunk struct {
	Model      string `json:"model"`
	CreatedAt  string `json:"created_at"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// Forwarder issues upstream inference requests and relays their chunks.
type Forwarder struct {
	client         *http.Client
	deadlineFactor int
	log            zerolog.Logger
}

// New creates a Forwarder. deadlineFactor scales a bid's latency ceiling
// into the default upstream deadline when the caller's context has none.
func New(deadlineFactor int, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		// No client-level timeout: streams legitimately run for minutes.
		// Deadlines come from the request context.
		client:         &http.Client{},
		deadlineFactor: deadlineFactor,
		log:            logger.With().Str("component", "forward").Logger(),
	}
}

// Forward posts the bid to the ask's endpoint and calls emit for every
// parsed chunk until the terminal chunk or an error. Upstream failures are
// wrapped in ErrUpstream; emit errors and context cancellation pass through
// so the caller can tell its own failures from the provider's.
func (f *Forwarder) Forward(ctx context.Context, ask orderbook.Ask, bid orderbook.Bid, emit func(Chunk) error) error {
	if _, ok := ctx.Deadline(); !ok {
		deadline := time.Duration(bid.MaxLatencyMs) * time.Millisecond * time.Duration(f.deadlineFactor)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	body, err := json.Marshal(generateRequest{Model: bid.Model, Prompt: bid.Prompt})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ask.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxChunkBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("%w: parse chunk: %v", ErrUpstream, err)
		}
		if err := emit(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read stream: %v", ErrUpstream, err)
	}
	return fmt.Errorf("%w: stream ended before terminal chunk", ErrUpstream)
}
