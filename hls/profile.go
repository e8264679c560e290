package hls

import (
	"log/slog"
	"time"

	"github.com/zsiec/remux/segment"
)

// LimiterProfile adapts fMP4 records to the segment limiter. The init
// segment is the restart record; its probed timing also backs duration
// derivation for segments whose self-reported duration is missing.
type LimiterProfile struct {
	log      *slog.Logger
	info     InitInfo
	haveInfo bool
}

// NewLimiterProfile creates a profile for one limiter instance. A nil logger
// falls back to slog.Default.
func NewLimiterProfile(log *slog.Logger) *LimiterProfile {
	if log == nil {
		log = slog.Default()
	}
	return &LimiterProfile{log: log.With("component", "hls-profile")}
}

// Inspect implements segment.Profile.
func (p *LimiterProfile) Inspect(rec Record) segment.Item {
	switch r := rec.(type) {
	case *InitSegment:
		info, err := ProbeInit(r.Data)
		if err != nil {
			p.log.Warn("init segment probe failed", "error", err)
		} else {
			p.info = info
			p.haveInfo = true
		}
		return segment.Item{Class: segment.ClassInit, Size: int64(len(r.Data))}

	case *MediaSegment:
		return segment.Item{
			Class:    segment.ClassMedia,
			Size:     int64(len(r.Data)),
			Duration: p.duration(r),
		}

	case *EndMarker:
		return segment.Item{Class: segment.ClassEnd}

	default:
		return segment.Item{Class: segment.ClassOther}
	}
}

// duration prefers the segment's self-reported length; when that is missing
// it derives one from the moof sample durations. A segment that defeats both
// counts as zero time and only its bytes weigh against the limits.
func (p *LimiterProfile) duration(r *MediaSegment) time.Duration {
	if r.Duration > 0 {
		return segment.TruncateSeconds(float64(r.Duration))
	}
	if !p.haveInfo {
		return 0
	}
	d, err := SegmentDuration(r.Data, p.info)
	if err != nil {
		p.log.Warn("media segment probe failed", "error", err)
		return 0
	}
	return d
}

// Resumable implements segment.Profile: chunks after a split resume with the
// cached init segment.
func (p *LimiterProfile) Resumable() bool { return true }

// Clone implements segment.Profile.
func (p *LimiterProfile) Clone(rec Record) Record { return Clone(rec) }
