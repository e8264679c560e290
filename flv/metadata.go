package flv

import (
	"bytes"
	"encoding/binary"
	"math"

	amf0 "github.com/yutopp/go-amf0"
)

// Metadata is the typed projection of the schemaless onMetaData object.
// Recognized keys land in typed optional fields; every other key is preserved
// verbatim in an open map. A key lives in exactly one of the two, never both,
// and the order of first appearance is kept so the object round-trips.
type Metadata struct {
	Duration              *float64
	Width                 *float64
	Height                *float64
	VideoDataRate         *float64
	FrameRate             *float64
	VideoCodecID          *float64
	AudioDataRate         *float64
	AudioSampleRate       *float64
	AudioSampleSize       *float64
	Stereo                *bool
	AudioCodecID          *float64
	FileSize              *float64
	DataSize              *float64
	VideoSize             *float64
	AudioSize             *float64
	LastTimestamp         *float64
	LastKeyframeTimestamp *float64
	LastKeyframeLocation  *float64
	MetadataCreator       *string
	CreationDate          *string
	Keyframes             *KeyframeIndex

	extra map[string]interface{}
	order []string
	seen  map[string]bool
}

// KeyframeIndex is the keyframes object of onMetaData: parallel arrays of
// keyframe timestamps (seconds) and byte offsets. Exactly one variant is
// active: Final carries the arrays; Placeholder (SpacerLength > 0 with nil
// arrays) reserves fixed space so a complete index can be patched in later
// without changing the file length.
type KeyframeIndex struct {
	Times         []float64
	FilePositions []uint64
	SpacerLength  int // reserved doubles when this is a placeholder
}

// NewPlaceholderIndex reserves room for up to capacity keyframes.
func NewPlaceholderIndex(capacity int) *KeyframeIndex {
	if capacity < 1 {
		capacity = 1
	}
	return &KeyframeIndex{SpacerLength: 2 * capacity}
}

// IsPlaceholder reports whether the index is the reserved-space variant.
func (k *KeyframeIndex) IsPlaceholder() bool {
	return k.Times == nil && k.FilePositions == nil
}

// Capacity returns how many keyframes a placeholder can hold once patched.
func (k *KeyframeIndex) Capacity() int { return k.SpacerLength / 2 }

// Fixed byte costs of the encoded keyframes object: object marker, the
// "times"/"filepositions"/"spacer" entries' keys and strict-array headers
// (marker + uint32 count), and the object-end sequence. Every array element
// is a marker byte plus a big-endian float64.
const (
	keyframesFixedSize   = 1 + (7 + 5) + (15 + 5) + (8 + 5) + 3
	keyframesElementSize = 9
)

// encode serializes the index as an AMF0 object. A Final index produced by
// fitPlaceholder pads with a spacer so the total length matches the
// placeholder it replaces.
func (k *KeyframeIndex) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(markerObject)
	writeNumberArray(&buf, "times", k.Times)
	positions := make([]float64, len(k.FilePositions))
	for i, p := range k.FilePositions {
		positions[i] = float64(p)
	}
	writeNumberArray(&buf, "filepositions", positions)
	writeNumberArray(&buf, "spacer", make([]float64, k.SpacerLength))
	writeObjectEnd(&buf)
	return buf.Bytes()
}

// encodedSize returns the exact serialized length of encode's output.
func (k *KeyframeIndex) encodedSize() int {
	elems := len(k.Times) + len(k.FilePositions) + k.SpacerLength
	return keyframesFixedSize + elems*keyframesElementSize
}

// fitPlaceholder builds a Final index that encodes to exactly encodedLen
// bytes, for patching over a placeholder of that length. Keyframes beyond the
// reserved capacity are dropped from the tail. ok is false when encodedLen
// cannot hold the object layout at all.
func fitPlaceholder(encodedLen int, times []float64, positions []uint64) (*KeyframeIndex, bool) {
	if encodedLen < keyframesFixedSize || (encodedLen-keyframesFixedSize)%keyframesElementSize != 0 {
		return nil, false
	}
	slots := (encodedLen - keyframesFixedSize) / keyframesElementSize
	n := len(times)
	if len(positions) < n {
		n = len(positions)
	}
	if max := slots / 2; n > max {
		n = max
	}
	return &KeyframeIndex{
		Times:         times[:n],
		FilePositions: positions[:n],
		SpacerLength:  slots - 2*n,
	}, true
}

func writeNumberArray(buf *bytes.Buffer, key string, values []float64) {
	writeObjectKey(buf, key) // keys here are short constants, cannot fail
	buf.WriteByte(0x0a)      // strict array
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(values)))
	buf.Write(count[:])
	for _, v := range values {
		buf.WriteByte(markerNumber)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		buf.Write(b[:])
	}
}

// ReconcileMetadata builds a Metadata from an ordered property sequence. The
// operation is total: a recognized key whose value cannot be coerced falls
// back to the open map, so nothing is lost and nothing aborts. Duplicate keys
// keep their first position and their last value.
func ReconcileMetadata(props []Property) *Metadata {
	m := &Metadata{
		extra: make(map[string]interface{}),
		seen:  make(map[string]bool),
	}
	for _, p := range props {
		m.set(p.Key, p.Value)
	}
	return m
}

// Properties returns the full property sequence, typed fields rendered back
// to their AMF0 shapes, in first-appearance order.
func (m *Metadata) Properties() []Property {
	props := make([]Property, 0, len(m.order))
	for _, key := range m.order {
		if v, ok := m.extra[key]; ok {
			props = append(props, Property{Key: key, Value: v})
			continue
		}
		if v, ok := m.typedValue(key); ok {
			props = append(props, Property{Key: key, Value: v})
		}
	}
	return props
}

// Extra returns the preserved value of an unrecognized key.
func (m *Metadata) Extra(key string) (interface{}, bool) {
	v, ok := m.extra[key]
	return v, ok
}

func (m *Metadata) set(key string, value interface{}) {
	if m.assignTyped(key, value) {
		delete(m.extra, key)
	} else {
		m.clearTyped(key)
		m.extra[key] = value
	}
	m.touch(key)
}

// setTyped installs a value into its typed slot directly, for fields the
// injector synthesizes.
func (m *Metadata) setTyped(key string, assign func()) {
	assign()
	delete(m.extra, key)
	m.touch(key)
}

// SetDuration sets the duration field in seconds.
func (m *Metadata) SetDuration(sec float64) { m.setTyped("duration", func() { m.Duration = &sec }) }

// SetFileSize sets the filesize field in bytes.
func (m *Metadata) SetFileSize(n float64) { m.setTyped("filesize", func() { m.FileSize = &n }) }

// SetLastTimestamp sets the lasttimestamp field in seconds.
func (m *Metadata) SetLastTimestamp(sec float64) {
	m.setTyped("lasttimestamp", func() { m.LastTimestamp = &sec })
}

// SetMetadataCreator stamps the metadatacreator field.
func (m *Metadata) SetMetadataCreator(s string) {
	m.setTyped("metadatacreator", func() { m.MetadataCreator = &s })
}

// SetKeyframes replaces the keyframe index.
func (m *Metadata) SetKeyframes(idx *KeyframeIndex) {
	m.setTyped("keyframes", func() { m.Keyframes = idx })
}

func (m *Metadata) touch(key string) {
	if !m.seen[key] {
		m.seen[key] = true
		m.order = append(m.order, key)
	}
}

func (m *Metadata) assignTyped(key string, value interface{}) bool {
	switch key {
	case "duration":
		return assignNumber(&m.Duration, value)
	case "width":
		return assignNumber(&m.Width, value)
	case "height":
		return assignNumber(&m.Height, value)
	case "videodatarate":
		return assignNumber(&m.VideoDataRate, value)
	case "framerate":
		return assignNumber(&m.FrameRate, value)
	case "videocodecid":
		return assignNumber(&m.VideoCodecID, value)
	case "audiodatarate":
		return assignNumber(&m.AudioDataRate, value)
	case "audiosamplerate":
		return assignNumber(&m.AudioSampleRate, value)
	case "audiosamplesize":
		return assignNumber(&m.AudioSampleSize, value)
	case "audiocodecid":
		return assignNumber(&m.AudioCodecID, value)
	case "filesize":
		return assignNumber(&m.FileSize, value)
	case "datasize":
		return assignNumber(&m.DataSize, value)
	case "videosize":
		return assignNumber(&m.VideoSize, value)
	case "audiosize":
		return assignNumber(&m.AudioSize, value)
	case "lasttimestamp":
		return assignNumber(&m.LastTimestamp, value)
	case "lastkeyframetimestamp":
		return assignNumber(&m.LastKeyframeTimestamp, value)
	case "lastkeyframelocation":
		return assignNumber(&m.LastKeyframeLocation, value)
	case "stereo":
		if b, ok := value.(bool); ok {
			m.Stereo = &b
			return true
		}
		return false
	case "metadatacreator":
		return assignString(&m.MetadataCreator, value)
	case "creationdate":
		return assignString(&m.CreationDate, value)
	case "keyframes":
		idx, ok := parseKeyframeIndex(value)
		if ok {
			m.Keyframes = idx
		}
		return ok
	default:
		return false
	}
}

func (m *Metadata) clearTyped(key string) {
	switch key {
	case "duration":
		m.Duration = nil
	case "width":
		m.Width = nil
	case "height":
		m.Height = nil
	case "videodatarate":
		m.VideoDataRate = nil
	case "framerate":
		m.FrameRate = nil
	case "videocodecid":
		m.VideoCodecID = nil
	case "audiodatarate":
		m.AudioDataRate = nil
	case "audiosamplerate":
		m.AudioSampleRate = nil
	case "audiosamplesize":
		m.AudioSampleSize = nil
	case "audiocodecid":
		m.AudioCodecID = nil
	case "filesize":
		m.FileSize = nil
	case "datasize":
		m.DataSize = nil
	case "videosize":
		m.VideoSize = nil
	case "audiosize":
		m.AudioSize = nil
	case "lasttimestamp":
		m.LastTimestamp = nil
	case "lastkeyframetimestamp":
		m.LastKeyframeTimestamp = nil
	case "lastkeyframelocation":
		m.LastKeyframeLocation = nil
	case "stereo":
		m.Stereo = nil
	case "metadatacreator":
		m.MetadataCreator = nil
	case "creationdate":
		m.CreationDate = nil
	case "keyframes":
		m.Keyframes = nil
	}
}

func (m *Metadata) typedValue(key string) (interface{}, bool) {
	switch key {
	case "duration":
		return numberValue(m.Duration)
	case "width":
		return numberValue(m.Width)
	case "height":
		return numberValue(m.Height)
	case "videodatarate":
		return numberValue(m.VideoDataRate)
	case "framerate":
		return numberValue(m.FrameRate)
	case "videocodecid":
		return numberValue(m.VideoCodecID)
	case "audiodatarate":
		return numberValue(m.AudioDataRate)
	case "audiosamplerate":
		return numberValue(m.AudioSampleRate)
	case "audiosamplesize":
		return numberValue(m.AudioSampleSize)
	case "audiocodecid":
		return numberValue(m.AudioCodecID)
	case "filesize":
		return numberValue(m.FileSize)
	case "datasize":
		return numberValue(m.DataSize)
	case "videosize":
		return numberValue(m.VideoSize)
	case "audiosize":
		return numberValue(m.AudioSize)
	case "lasttimestamp":
		return numberValue(m.LastTimestamp)
	case "lastkeyframetimestamp":
		return numberValue(m.LastKeyframeTimestamp)
	case "lastkeyframelocation":
		return numberValue(m.LastKeyframeLocation)
	case "stereo":
		if m.Stereo == nil {
			return nil, false
		}
		return *m.Stereo, true
	case "metadatacreator":
		if m.MetadataCreator == nil {
			return nil, false
		}
		return *m.MetadataCreator, true
	case "creationdate":
		if m.CreationDate == nil {
			return nil, false
		}
		return *m.CreationDate, true
	case "keyframes":
		if m.Keyframes == nil {
			return nil, false
		}
		return m.Keyframes, true
	default:
		return nil, false
	}
}

func numberValue(p *float64) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

func assignNumber(dst **float64, value interface{}) bool {
	f, ok := asNumber(value)
	if ok {
		*dst = &f
	}
	return ok
}

func assignString(dst **string, value interface{}) bool {
	s, ok := value.(string)
	if ok {
		*dst = &s
	}
	return ok
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func asMap(value interface{}) (map[string]interface{}, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		return v, true
	case amf0.ECMAArray:
		return v, true
	default:
		return nil, false
	}
}

// parseKeyframeIndex interprets the nested keyframes object. If both times
// and filepositions convert, the Final variant is populated; a spacer-only
// object yields a Placeholder; anything else is unconvertible and stays in
// the open map verbatim.
func parseKeyframeIndex(value interface{}) (*KeyframeIndex, bool) {
	obj, ok := asMap(value)
	if !ok {
		return nil, false
	}
	idx := &KeyframeIndex{}
	if spacer, ok := obj["spacer"].([]interface{}); ok {
		idx.SpacerLength = len(spacer)
	}
	times, tok := asNumberSlice(obj["times"])
	positions, pok := asPositionSlice(obj["filepositions"])
	if tok && pok {
		// A placeholder encodes empty times/filepositions arrays next to
		// the spacer. Keep the slices nil so it round-trips as a
		// placeholder and stays patchable.
		if len(times) == 0 && len(positions) == 0 && idx.SpacerLength > 0 {
			return idx, true
		}
		idx.Times = times
		idx.FilePositions = positions
		return idx, true
	}
	if idx.SpacerLength > 0 {
		return idx, true
	}
	return nil, false
}

func asNumberSlice(value interface{}) ([]float64, bool) {
	arr, ok := value.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]float64, len(arr))
	for i, e := range arr {
		f, ok := asNumber(e)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func asPositionSlice(value interface{}) ([]uint64, bool) {
	arr, ok := value.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]uint64, len(arr))
	for i, e := range arr {
		f, ok := asNumber(e)
		if !ok || f < 0 {
			return nil, false
		}
		out[i] = uint64(f)
	}
	return out, true
}
