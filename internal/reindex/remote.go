package reindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// CompleteDiagnostic is the exact completion sentinel in the reindex wire
// protocol. Completion is never inferred from HTTP status alone.
const CompleteDiagnostic = "Reindex complete"

// Request is one remote reindex call: reindex up to ResourceCount
// resources not yet re-indexed as of Timestamp.
type Request struct {
	Timestamp     time.Time `json:"timestamp"`
	ResourceCount int       `json:"resourceCount"`
	Force         bool      `json:"force,omitempty"`
}

// Issue is one entry of the outcome payload.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code,omitempty"`
	Diagnostics string `json:"diagnostics"`
}

// Outcome is the diagnostic payload a reindex call returns.
type Outcome struct {
	Issues []Issue `json:"issues"`
}

// Complete reports whether the outcome is exactly the completion
// sentinel: a single informational issue with the fixed diagnostic text.
func (o *Outcome) Complete() bool {
	return len(o.Issues) == 1 &&
		o.Issues[0].Severity == "information" &&
		o.Issues[0].Diagnostics == CompleteDiagnostic
}

// RemoteSource drives a reindex endpoint over HTTP. Each Next issues one
// call; the per-call timeout comes from the http.Client and is
// independent of the overall operation context.
type RemoteSource struct {
	client    *http.Client
	endpoint  string
	token     string
	timestamp time.Time
	count     int
	force     bool
	log       zerolog.Logger

	maxRetries int
	retryWait  time.Duration
}

// NewRemoteSource creates a source calling endpoint with a bearer token
// (empty disables auth). count is the resource count sent per call.
func NewRemoteSource(client *http.Client, endpoint, token string, count int, force bool, log zerolog.Logger) *RemoteSource {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if count < 1 {
		count = 10
	}
	return &RemoteSource{
		client:     client,
		endpoint:   endpoint,
		token:      token,
		timestamp:  time.Now().UTC(),
		count:      count,
		force:      force,
		log:        log,
		maxRetries: 3,
		retryWait:  2 * time.Second,
	}
}

// Next issues one reindex call. Transport failures and gateway-class
// statuses retry a bounded number of times; every other failure is
// terminal for the unit.
func (s *RemoteSource) Next(ctx context.Context) (bool, error) {
	for attempt := 0; ; attempt++ {
		done, retryable, err := s.call(ctx)
		if err == nil {
			return done, nil
		}
		if !retryable || attempt >= s.maxRetries {
			return false, err
		}
		s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reindex call retrying")
		if !sleepCtx(ctx, s.retryWait) {
			return false, ctx.Err()
		}
	}
}

func (s *RemoteSource) call(ctx context.Context) (done, retryable bool, err error) {
	body, err := json.Marshal(Request{Timestamp: s.timestamp, ResourceCount: s.count, Force: s.force})
	if err != nil {
		return false, false, fmt.Errorf("encode reindex request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, false, fmt.Errorf("build reindex request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("reindex call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return false, true, fmt.Errorf("reindex call: status %d", resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, false, fmt.Errorf("reindex call: status %d: %s", resp.StatusCode, msg)
	}

	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, false, fmt.Errorf("decode reindex outcome: %w", err)
	}
	return out.Complete(), false, nil
}
