package flv

import (
	"time"

	"github.com/zsiec/remux/segment"
)

// LimiterProfile adapts FLV records to the segment limiter. The file header,
// the onMetaData tag, and the AVC/HEVC and AAC sequence headers are the
// restart records: each is cached at first sight and re-emitted after every
// split, so each chunk the writer cuts is an independently decodable FLV
// file. Tag durations are derived from media timestamp deltas, since FLV tags
// carry absolute milliseconds rather than self-reported durations.
type LimiterProfile struct {
	lastTS   int32
	sawMedia bool
}

// NewLimiterProfile creates a profile for one limiter instance.
func NewLimiterProfile() *LimiterProfile {
	return &LimiterProfile{}
}

// Inspect implements segment.Profile.
func (p *LimiterProfile) Inspect(rec Record) segment.Item {
	switch r := rec.(type) {
	case *Header:
		return segment.Item{Class: segment.ClassInit, Size: r.WireSize(), InitKey: "header"}
	case *Tag:
		if key := initKey(r); key != "" {
			return segment.Item{Class: segment.ClassInit, Size: r.WireSize(), InitKey: key}
		}
		item := segment.Item{Class: segment.ClassMedia, Size: r.WireSize()}
		if r.Type == TagAudio || r.Type == TagVideo {
			item.Duration = p.advance(r.Timestamp)
		}
		return item
	default:
		return segment.Item{Class: segment.ClassOther}
	}
}

// initKey classifies tags that a resumed chunk cannot decode without. Only
// the onMetaData script tag counts; auxiliary script tags stay media-class so
// stale copies are not replayed into later chunks.
func initKey(t *Tag) string {
	switch {
	case t.Type == TagScriptData && scriptDataName(t.Data) == "onMetaData":
		return "metadata"
	case t.Type == TagVideo && t.IsSequenceHeader():
		return "video-config"
	case t.Type == TagAudio && t.IsSequenceHeader():
		return "audio-config"
	}
	return ""
}

// advance returns the playback time the tag adds: the delta from the previous
// media timestamp, clamped at zero because live captures rewind timestamps
// on reconnect.
func (p *LimiterProfile) advance(ts int32) time.Duration {
	if !p.sawMedia {
		p.sawMedia = true
		p.lastTS = ts
		return 0
	}
	delta := ts - p.lastTS
	p.lastTS = ts
	if delta <= 0 {
		return 0
	}
	return time.Duration(delta) * time.Millisecond
}

// Resumable implements segment.Profile: chunks after a split resume with the
// cached header, onMetaData, and sequence header records.
func (p *LimiterProfile) Resumable() bool { return true }

// Clone implements segment.Profile.
func (p *LimiterProfile) Clone(rec Record) Record {
	switch r := rec.(type) {
	case *Header:
		h := *r
		return &h
	case *Tag:
		return r.Clone()
	default:
		return rec
	}
}
