// Package segment splits an unbounded record sequence into bounded-size or
// bounded-duration chunks without breaking container framing. The Limiter is
// generic over the container's record type; per-container knowledge (what
// counts as an initialization record, how big a record is, how much playback
// time it adds) lives in a Profile supplied by the container package.
package segment

import (
	"log/slog"
	"time"
)

// Class describes how the limiter treats a record.
type Class int

const (
	// ClassOther records pass through without touching the accumulators.
	ClassOther Class = iota
	// ClassInit records initialize a sequence (FLV file header, metadata
	// object, decoder configuration, fMP4 init segment). The first seen of
	// each kind is cached for re-emission after splits.
	ClassInit
	// ClassMedia records carry payload and are counted against the limits.
	ClassMedia
	// ClassEnd records mark end of stream and force a chunk boundary.
	ClassEnd
)

// Item is a Profile's report on a single record.
type Item struct {
	Class    Class
	Size     int64
	Duration time.Duration
	// InitKey identifies which initialization record an init-class record
	// is (file header, metadata object, decoder configuration). The first
	// record seen per key is cached; a resumed chunk replays one record per
	// key, in first-seen order. Profiles with a single init kind leave it
	// empty.
	InitKey string
}

// Profile supplies the container-specific knowledge the Limiter needs.
// Implementations may be stateful (the FLV profile tracks timestamps to
// derive per-record durations); a Profile instance belongs to exactly one
// Limiter.
type Profile[T any] interface {
	// Inspect classifies rec and reports its accounted size and the playback
	// duration it adds to the current chunk.
	Inspect(rec T) Item
	// Resumable reports whether a chunk that starts after a split must be
	// resumed by re-emitting the cached initialization records.
	Resumable() bool
	// Clone returns a copy of rec safe to emit again later. The limiter never
	// re-emits the instance it was handed.
	Clone(rec T) T
}

// Limits configures the split thresholds. Both fields are optional; a zero
// value disables that limit and leaves the limiter an identity passthrough
// when both are zero. Exceeding either configured limit triggers a split.
type Limits struct {
	MaxBytes    int64
	MaxDuration time.Duration
}

func (l Limits) enabled() bool {
	return l.MaxBytes > 0 || l.MaxDuration > 0
}

// Limiter is a pipeline stage that splits a record sequence into chunks. The
// record that crosses a limit still belongs to the ending chunk: the split
// happens strictly after it, and the accumulators restart at zero for the
// next record. After a split the cached initialization records are
// re-emitted before the next media record, so every chunk remains
// independently decodable.
type Limiter[T any] struct {
	profile Profile[T]
	limits  Limits
	log     *slog.Logger

	size     int64
	duration time.Duration
	inits    []T
	initKeys map[string]bool
	initSent bool
	chunks   int
}

// NewLimiter creates a Limiter over profile with the given limits. A nil
// logger falls back to slog.Default.
func NewLimiter[T any](profile Profile[T], limits Limits, log *slog.Logger) *Limiter[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter[T]{
		profile:  profile,
		limits:   limits,
		initKeys: make(map[string]bool),
		log:      log.With("stage", "segment-limiter"),
	}
}

// Name implements pipeline.Processor.
func (l *Limiter[T]) Name() string { return "segment-limiter" }

// Process implements pipeline.Processor. All decisions are synchronous;
// nothing is buffered past the current record.
func (l *Limiter[T]) Process(rec T, emit func(T)) error {
	item := l.profile.Inspect(rec)

	switch item.Class {
	case ClassInit:
		// An init record arriving at the start of a resumed chunk is still
		// preceded by the cached set, so the chunk opens in record order.
		l.resumeInits(emit)
		// First-seen wins per key: a later init record of a kind already
		// cached is forwarded but does not replace its cached copy.
		if !l.initKeys[item.InitKey] {
			l.initKeys[item.InitKey] = true
			l.inits = append(l.inits, l.profile.Clone(rec))
		}
		emit(rec)
		l.initSent = true

	case ClassMedia:
		if l.limits.enabled() && l.wouldExceed(item) {
			// The crossing record closes the current chunk. A chunk whose
			// first media record already crosses still replays the init
			// records first, so it opens decodable like any other.
			l.resumeInits(emit)
			emit(rec)
			l.split(item)
			return nil
		}
		l.resumeInits(emit)
		emit(rec)
		l.size += item.Size
		l.duration += item.Duration

	case ClassEnd:
		emit(rec)
		l.reset()

	default:
		emit(rec)
	}
	return nil
}

// Finish implements pipeline.Processor. The limiter holds no records back,
// so there is nothing to flush.
func (l *Limiter[T]) Finish(emit func(T)) error {
	return nil
}

// Chunks returns the number of splits performed so far.
func (l *Limiter[T]) Chunks() int { return l.chunks }

// resumeInits replays the cached initialization records, in first-seen
// order, at the start of a resumed chunk.
func (l *Limiter[T]) resumeInits(emit func(T)) {
	if !l.profile.Resumable() || l.initSent || len(l.inits) == 0 {
		return
	}
	for _, init := range l.inits {
		emit(l.profile.Clone(init))
	}
	l.initSent = true
}

func (l *Limiter[T]) wouldExceed(item Item) bool {
	if l.limits.MaxBytes > 0 && l.size+item.Size > l.limits.MaxBytes {
		return true
	}
	if l.limits.MaxDuration > 0 && l.duration+item.Duration > l.limits.MaxDuration {
		return true
	}
	return false
}

func (l *Limiter[T]) split(crossing Item) {
	l.chunks++
	l.log.Info("chunk boundary",
		"chunk", l.chunks,
		"size", l.size+crossing.Size,
		"duration", l.duration+crossing.Duration,
	)
	l.reset()
}

// reset restarts the accumulators at a chunk boundary. The cached init
// records survive; only the sent flag clears, so the next media record
// triggers a re-emission.
func (l *Limiter[T]) reset() {
	l.size = 0
	l.duration = 0
	l.initSent = false
}

// TruncateSeconds converts a self-reported floating-point duration in seconds
// to whole milliseconds, truncating rather than rounding. Rounding up would
// move split boundaries for durations reported just under a millisecond.
func TruncateSeconds(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(int64(sec*1000)) * time.Millisecond
}
