// Package hls models fragmented-MP4 recordings as they arrive from HLS
// captures: one initialization segment followed by media segments, with an
// explicit end marker. Segment payloads stay opaque bytes; box-level
// inspection is confined to the probe.
package hls

// RecordBufferSize is the channel capacity used between the reader and the
// pipeline. Segments are large, so the buffer stays small.
const RecordBufferSize = 16

// Record is one fMP4 stream item.
type Record interface {
	hlsRecord()
}

// InitSegment carries the initialization segment (ftyp + moov and any
// leading boxes) verbatim.
type InitSegment struct {
	Data []byte
}

// MediaSegment carries one media segment (styp/moof/mdat group) verbatim.
// Duration is the self-reported length in seconds; zero or negative means
// unknown, and the profile derives it from the segment's boxes instead.
type MediaSegment struct {
	Data     []byte
	Duration float32
}

// EndMarker signals a clean end of stream.
type EndMarker struct{}

func (*InitSegment) hlsRecord()  {}
func (*MediaSegment) hlsRecord() {}
func (*EndMarker) hlsRecord()    {}

// Clone returns a record safe to re-emit later; payloads are copied.
func Clone(rec Record) Record {
	switch r := rec.(type) {
	case *InitSegment:
		return &InitSegment{Data: append([]byte(nil), r.Data...)}
	case *MediaSegment:
		return &MediaSegment{Data: append([]byte(nil), r.Data...), Duration: r.Duration}
	default:
		return rec
	}
}
