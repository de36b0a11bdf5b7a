package reindex

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptedSource serves a fixed number of units, then reports done.
// failFirst injects errors on the leading calls to exercise probe retries.
type scriptedSource struct {
	units     atomic.Int64
	failFirst atomic.Int64
	calls     atomic.Int64
	failWith  error
}

func (s *scriptedSource) Next(ctx context.Context) (bool, error) {
	s.calls.Add(1)
	if s.failFirst.Load() > 0 {
		s.failFirst.Add(-1)
		err := s.failWith
		if err == nil {
			err = errors.New("transient failure")
		}
		return false, err
	}
	if s.units.Add(-1) < 0 {
		return true, nil
	}
	return false, nil
}

func testOptions() Options {
	return Options{
		Workers:      3,
		Stagger:      time.Millisecond,
		ProbeBackoff: time.Millisecond,
		JoinTimeout:  2 * time.Second,
	}
}

func TestDriver_RunToCompletion(t *testing.T) {
	src := &scriptedSource{}
	src.units.Store(25)
	d := NewDriver(src, testOptions(), zerolog.Nop())

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if d.State() != StateStopped {
		t.Errorf("state = %v, want stopped", d.State())
	}
	if got := d.Processed(); got != 25 {
		t.Errorf("processed = %d, want 25", got)
	}
}

func TestDriver_EmptySourceStopsAtProbe(t *testing.T) {
	src := &scriptedSource{}
	d := NewDriver(src, testOptions(), zerolog.Nop())

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if d.State() != StateStopped {
		t.Errorf("state = %v, want stopped", d.State())
	}
	if d.Processed() != 0 {
		t.Errorf("processed = %d, want 0", d.Processed())
	}
}

func TestDriver_ProbeRetriesThenSucceeds(t *testing.T) {
	src := &scriptedSource{}
	src.units.Store(5)
	src.failFirst.Store(2)
	d := NewDriver(src, testOptions(), zerolog.Nop())

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if d.State() != StateStopped {
		t.Errorf("state = %v, want stopped", d.State())
	}
	if d.Processed() != 5 {
		t.Errorf("processed = %d, want 5", d.Processed())
	}
}

func TestDriver_WorkerErrorFails(t *testing.T) {
	boom := errors.New("index write rejected")
	src := &scriptedSource{failWith: boom}
	src.units.Store(1 << 30)
	d := NewDriver(src, testOptions(), zerolog.Nop())

	// Let the probe succeed, then fail every subsequent unit.
	go func() {
		time.Sleep(5 * time.Millisecond)
		src.failFirst.Store(1 << 30)
	}()

	err := d.Run(context.Background())
	if err == nil {
		t.Fatal("expected worker error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
	if d.State() != StateFailed {
		t.Errorf("state = %v, want failed", d.State())
	}
}

func TestDriver_StopIsCooperative(t *testing.T) {
	src := &scriptedSource{}
	src.units.Store(1 << 30)
	d := NewDriver(src, testOptions(), zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	d.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error after Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if d.State() != StateStopped {
		t.Errorf("state = %v, want stopped", d.State())
	}
}

func TestDriver_ContextCancel(t *testing.T) {
	src := &scriptedSource{}
	src.units.Store(1 << 30)
	d := NewDriver(src, testOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDriver_SecondRunRejected(t *testing.T) {
	src := &scriptedSource{}
	d := NewDriver(src, testOptions(), zerolog.Nop())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if err := d.Run(context.Background()); err == nil {
		t.Error("expected second Run to be rejected")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateProbing, "probing"},
		{StateRamping, "ramping"},
		{StateActive, "active"},
		{StateDraining, "draining"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestOutcome_Complete(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{
			"completion sentinel",
			Outcome{Issues: []Issue{{Severity: "information", Code: "informational", Diagnostics: CompleteDiagnostic}}},
			true,
		},
		{
			"progress message",
			Outcome{Issues: []Issue{{Severity: "information", Code: "informational", Diagnostics: "Reindexed 10 resources"}}},
			false,
		},
		{
			"wrong severity",
			Outcome{Issues: []Issue{{Severity: "warning", Code: "informational", Diagnostics: CompleteDiagnostic}}},
			false,
		},
		{
			"extra issues",
			Outcome{Issues: []Issue{
				{Severity: "information", Diagnostics: CompleteDiagnostic},
				{Severity: "information", Diagnostics: CompleteDiagnostic},
			}},
			false,
		},
		{"no issues", Outcome{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Complete(); got != tt.want {
				t.Errorf("Complete() = %v, want %v", got, tt.want)
			}
		})
	}
}
