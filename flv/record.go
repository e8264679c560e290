// Package flv models FLV container records and the repair operators that act
// on them: reading a captured live stream into records, reconciling the AMF0
// onMetaData object into a typed form with a patchable keyframe index, and
// writing repaired, resegmented files back out.
package flv

// RecordBufferSize is the channel depth used between a record producer and
// the pipeline. Sized to absorb read jitter from disk or network without
// queueing a meaningful amount of a live stream in memory.
const RecordBufferSize = 256

// TagType identifies the payload kind of an FLV tag.
type TagType uint8

const (
	TagAudio      TagType = 8
	TagVideo      TagType = 9
	TagScriptData TagType = 18
)

// Audio/video codec identifiers and video frame types from the FLV spec,
// limited to what the repair operators need to recognize.
const (
	frameTypeKeyframe = 1
	codecAVC          = 7
	codecHEVC         = 12
	soundFormatAAC    = 10

	avcPacketSequenceHeader = 0
)

// TagHeaderSize is the fixed size of an FLV tag header; PrevTagSize trails
// every tag (and the file header) as a uint32.
const (
	TagHeaderSize    = 11
	PrevTagSizeBytes = 4
	HeaderSize       = 9
)

// Record is one typed FLV container record moving through a pipeline run:
// either the 9-byte file header or a tag.
type Record interface {
	flvRecord()
}

// Header is the FLV file header. Every independently decodable file starts
// with exactly one.
type Header struct {
	Version  uint8
	HasAudio bool
	HasVideo bool
}

func (*Header) flvRecord() {}

// WireSize returns the serialized size of the header plus the zero
// PrevTagSize that follows it.
func (h *Header) WireSize() int64 { return HeaderSize + PrevTagSizeBytes }

// Tag is a single FLV tag: audio, video, or script data.
type Tag struct {
	Type      TagType
	Timestamp int32 // milliseconds
	StreamID  uint32
	Data      []byte
}

func (*Tag) flvRecord() {}

// WireSize returns the serialized size of the tag including its header and
// trailing PrevTagSize.
func (t *Tag) WireSize() int64 {
	return int64(TagHeaderSize + len(t.Data) + PrevTagSizeBytes)
}

// IsKeyframe reports whether t is a video keyframe carrying picture data.
// AVC/HEVC sequence headers are frame-type keyframes on the wire but carry
// only decoder configuration, so they are excluded: a seek target must land
// on a decodable picture.
func (t *Tag) IsKeyframe() bool {
	if t.Type != TagVideo || len(t.Data) == 0 {
		return false
	}
	if t.Data[0]>>4 != frameTypeKeyframe {
		return false
	}
	return !t.IsSequenceHeader()
}

// IsSequenceHeader reports whether t carries decoder configuration (AVC/HEVC
// decoder config record or AAC AudioSpecificConfig) rather than media data.
func (t *Tag) IsSequenceHeader() bool {
	switch t.Type {
	case TagVideo:
		if len(t.Data) < 2 {
			return false
		}
		codec := t.Data[0] & 0x0f
		return (codec == codecAVC || codec == codecHEVC) && t.Data[1] == avcPacketSequenceHeader
	case TagAudio:
		if len(t.Data) < 2 {
			return false
		}
		return t.Data[0]>>4 == soundFormatAAC && t.Data[1] == 0
	default:
		return false
	}
}

// Clone returns a deep copy of t.
func (t *Tag) Clone() *Tag {
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	return &Tag{Type: t.Type, Timestamp: t.Timestamp, StreamID: t.StreamID, Data: data}
}
