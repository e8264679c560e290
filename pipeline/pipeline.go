// Package pipeline drives container records through an ordered list of repair
// stages, preserving submission order under per-stage fan-out and guaranteeing
// that every stage's buffered state is flushed exactly once at end of run,
// whether the run ends by input exhaustion, a stage error, or cancellation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Result carries either one record or one upstream decode error through the
// pipeline. Decode errors bypass every stage and reach the sink untouched, so
// a malformed tag in a live recording never disturbs operator state.
type Result[T any] struct {
	Rec T
	Err error
}

// OK wraps a record in a successful Result.
func OK[T any](rec T) Result[T] {
	return Result[T]{Rec: rec}
}

// Fail wraps an upstream decode error in a Result.
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Processor is the capability every repair stage implements. Process consumes
// one record and emits zero or more via emit; Finish emits whatever the stage
// still holds and is called exactly once per run, after input ends for any
// reason. A stage must not retain a record beyond the call that delivered it
// unless it clones the record into its own state.
type Processor[T any] interface {
	// Name identifies the stage in logs and error messages only.
	Name() string
	Process(rec T, emit func(T)) error
	Finish(emit func(T)) error
}

// Sink receives the fully-processed output sequence, one Result per record,
// in final order. A non-nil return aborts the run.
type Sink[T any] func(Result[T]) error

// Stats holds forwarding counters for a single run, readable while the
// pipeline is running.
type Stats struct {
	recordsIn  atomic.Int64
	recordsOut atomic.Int64
	errsFwd    atomic.Int64
	flushed    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the pipeline counters.
type StatsSnapshot struct {
	RecordsIn     int64
	RecordsOut    int64
	ErrorsForward int64
	Flushed       int64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RecordsIn:     s.recordsIn.Load(),
		RecordsOut:    s.recordsOut.Load(),
		ErrorsForward: s.errsFwd.Load(),
		Flushed:       s.flushed.Load(),
	}
}

// Pipeline owns an ordered list of stages for one run over one record type.
// It is single-threaded: a record is fully processed through every stage
// before the next record is considered, so stages never see concurrent calls.
type Pipeline[T any] struct {
	stages []Processor[T]
	log    *slog.Logger
	stats  Stats
}

// New creates a pipeline over the given stages. Order is significant: each
// record passes through stage 0 first and the last stage's output reaches the
// sink. A nil logger falls back to slog.Default.
func New[T any](log *slog.Logger, stages ...Processor[T]) *Pipeline[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline[T]{stages: stages, log: log}
}

// Stats returns the run counters.
func (p *Pipeline[T]) Stats() *Stats {
	return &p.stats
}

// Run consumes in until it is closed, a stage fails, or ctx is cancelled,
// delivering processed records to sink in order. Cancellation is polled once
// per record, so its granularity is "between records": the record being
// processed when the signal arrives still completes every stage.
//
// Finalization runs exactly once after the main loop ends for any reason:
// each stage's Finish output is fed through the remaining stages and
// delivered to the sink, first stage to last. A finalization error pre-empts
// a main-loop error. On cancellation Run returns ctx.Err() after a complete
// finalization pass; callers distinguish it with errors.Is(err,
// context.Canceled).
func (p *Pipeline[T]) Run(ctx context.Context, in <-chan Result[T], sink Sink[T]) error {
	runErr := p.consume(ctx, in, sink)

	if err := p.finalize(sink); err != nil {
		p.log.Error("finalization failed", "error", err)
		return err
	}
	return runErr
}

func (p *Pipeline[T]) consume(ctx context.Context, in <-chan Result[T], sink Sink[T]) error {
	for {
		// Cancellation check first: once the signal is up no further input
		// is consumed, even if records are already queued.
		select {
		case <-ctx.Done():
			p.log.Info("run cancelled", "records_in", p.stats.recordsIn.Load())
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			p.log.Info("run cancelled", "records_in", p.stats.recordsIn.Load())
			return ctx.Err()

		case res, ok := <-in:
			if !ok {
				return nil
			}
			if res.Err != nil {
				p.stats.errsFwd.Add(1)
				if err := sink(res); err != nil {
					return fmt.Errorf("pipeline: sink: %w", err)
				}
				continue
			}
			p.stats.recordsIn.Add(1)
			if err := p.dispatch(0, res.Rec, sink); err != nil {
				return err
			}
		}
	}
}

// dispatch feeds rec into stage from and everything it emits through the
// remaining stages in emission order, then delivers the survivors to sink.
// All outputs derived from one record reach the sink before any output of a
// later record, which keeps fan-out ordering stable.
func (p *Pipeline[T]) dispatch(from int, rec T, sink Sink[T]) error {
	batch := []T{rec}
	var next []T
	for i := from; i < len(p.stages); i++ {
		st := p.stages[i]
		next = next[:0]
		for _, r := range batch {
			if err := st.Process(r, func(out T) { next = append(next, out) }); err != nil {
				return fmt.Errorf("pipeline: stage %s: %w", st.Name(), err)
			}
		}
		batch, next = next, batch
	}
	for _, r := range batch {
		p.stats.recordsOut.Add(1)
		if err := sink(OK(r)); err != nil {
			return fmt.Errorf("pipeline: sink: %w", err)
		}
	}
	return nil
}

// finalize flushes stage i's buffered state through stages i+1..last, first
// stage to last, exactly like normal processing. Nothing a stage still holds
// is lost even when the main loop stopped early.
func (p *Pipeline[T]) finalize(sink Sink[T]) error {
	for i, st := range p.stages {
		var flushed []T
		if err := st.Finish(func(out T) { flushed = append(flushed, out) }); err != nil {
			return fmt.Errorf("pipeline: finish %s: %w", st.Name(), err)
		}
		p.stats.flushed.Add(int64(len(flushed)))
		for _, r := range flushed {
			if err := p.dispatch(i+1, r, sink); err != nil {
				return err
			}
		}
	}
	return nil
}
