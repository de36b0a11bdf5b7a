// Package reindex drives re-extraction of search parameters over
// already-stored resources, either through a local cursor or against a
// remote reindex endpoint, with a bounded self-throttling worker pool.
package reindex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the driver lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateProbing
	StateRamping
	StateActive
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateRamping:
		return "ramping"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrJoinTimeout reports workers still running after the drain wait.
var ErrJoinTimeout = errors.New("reindex: workers did not exit within the join timeout")

// Source produces units of reindex work. Next is called concurrently by
// every worker; implementations serialize their own cursor state. done
// reports that no work remains.
type Source interface {
	Next(ctx context.Context) (done bool, err error)
}

// Options bounds the pool.
type Options struct {
	// Workers is the maximum concurrency. Minimum 1.
	Workers int

	// Stagger separates consecutive worker starts during ramp-up.
	Stagger time.Duration

	// ProbeBackoff is the fixed wait between failed probes.
	ProbeBackoff time.Duration

	// JoinTimeout bounds the drain wait for in-flight workers.
	JoinTimeout time.Duration
}

func (o *Options) normalize() {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Stagger <= 0 {
		o.Stagger = 100 * time.Millisecond
	}
	if o.ProbeBackoff <= 0 {
		o.ProbeBackoff = 2 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 30 * time.Second
	}
}

// Driver runs the reindex lifecycle: one probe unit confirms the backend
// is healthy, then workers start staggered up to the configured
// concurrency, loop until the source reports completion or an error, and
// drain with a bounded join.
type Driver struct {
	source Source
	opts   Options
	log    zerolog.Logger

	state   atomic.Int32
	running atomic.Bool // false once a stop was requested
	active  atomic.Bool // false once workers must stop taking work

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	processed atomic.Int64
}

// NewDriver creates a Driver over the source. Run starts it.
func NewDriver(source Source, opts Options, log zerolog.Logger) *Driver {
	opts.normalize()
	return &Driver{source: source, opts: opts, log: log}
}

// State returns the current lifecycle state.
func (d *Driver) State() State { return State(d.state.Load()) }

// Processed returns the number of completed work units so far.
func (d *Driver) Processed() int64 { return d.processed.Load() }

// Stop requests a cooperative stop. Workers observe it between units,
// never mid-unit; Run returns once the pool has drained.
func (d *Driver) Stop() {
	d.running.Store(false)
	d.active.Store(false)
}

// Run executes the full lifecycle and blocks until Stopped or Failed.
// It returns nil when the source reported completion or a stop was
// requested, and the first worker or probe error otherwise.
func (d *Driver) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateProbing)) {
		return errors.New("reindex: driver already started")
	}
	d.running.Store(true)

	done, err := d.probe(ctx)
	if err != nil {
		d.state.Store(int32(StateFailed))
		return err
	}
	if done || !d.running.Load() {
		d.state.Store(int32(StateStopped))
		d.log.Info().Int64("processed", d.Processed()).Msg("reindex finished during probe")
		return nil
	}

	d.state.Store(int32(StateRamping))
	d.active.Store(true)
	for i := 0; i < d.opts.Workers; i++ {
		if !d.active.Load() || !d.running.Load() {
			break
		}
		d.wg.Add(1)
		go d.worker(ctx, i)
		if i+1 < d.opts.Workers {
			if !sleepCtx(ctx, d.opts.Stagger) {
				d.Stop()
				break
			}
		}
	}
	d.state.Store(int32(StateActive))

	d.waitActive(ctx)

	d.state.Store(int32(StateDraining))
	joinErr := d.join()

	if err := d.firstErr(); err != nil {
		d.state.Store(int32(StateFailed))
		return err
	}
	if joinErr != nil {
		d.state.Store(int32(StateFailed))
		return joinErr
	}
	d.state.Store(int32(StateStopped))
	d.log.Info().Int64("processed", d.Processed()).Msg("reindex stopped")
	return nil
}

// probe issues single units until one succeeds, backing off a fixed
// interval between failures. Probing never commits the worker pool, so a
// retried probe cannot double-start workers.
func (d *Driver) probe(ctx context.Context) (done bool, err error) {
	for d.running.Load() {
		done, err = d.source.Next(ctx)
		if err == nil {
			if !done {
				d.processed.Add(1)
			}
			return done, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		d.log.Warn().Err(err).Dur("backoff", d.opts.ProbeBackoff).Msg("reindex probe failed")
		if !sleepCtx(ctx, d.opts.ProbeBackoff) {
			return false, ctx.Err()
		}
	}
	return true, nil
}

func (d *Driver) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for d.running.Load() && d.active.Load() {
		if ctx.Err() != nil {
			d.Stop()
			return
		}
		done, err := d.source.Next(ctx)
		if err != nil {
			d.setErr(err)
			d.log.Error().Err(err).Int("worker", id).Msg("reindex worker failed")
			d.active.Store(false)
			return
		}
		if done {
			// No work remains: drain the whole pool.
			d.active.Store(false)
			return
		}
		d.processed.Add(1)
	}
}

// waitActive blocks until the pool goes inactive or the context ends.
func (d *Driver) waitActive(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for d.running.Load() && d.active.Load() {
		select {
		case <-ctx.Done():
			d.Stop()
			return
		case <-ticker.C:
		}
	}
}

// join waits for all workers with a bounded timeout.
func (d *Driver) join() error {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-time.After(d.opts.JoinTimeout):
		return ErrJoinTimeout
	}
}

func (d *Driver) setErr(err error) {
	d.errMu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.errMu.Unlock()
}

func (d *Driver) firstErr() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// sleepCtx sleeps for dur unless the context ends first.
func sleepCtx(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
