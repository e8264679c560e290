package flv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	amf0 "github.com/yutopp/go-amf0"
)

// AMF0 type markers the ordered object codec dispatches on. Individual values
// are delegated to go-amf0; only the object framing is handled here, because
// the schemaless onMetaData object must be read and written in key order.
const (
	markerNumber    = 0x00
	markerString    = 0x02
	markerObject    = 0x03
	markerECMAArray = 0x08
	markerObjectEnd = 0x09
)

// Property is one (key, value) pair of a schemaless AMF0 object, in stream
// order. Values are the Go shapes go-amf0 produces: float64, bool, string,
// map-like objects, and []interface{} arrays.
type Property struct {
	Key   string
	Value interface{}
}

// ErrNotScriptData reports a tag body that does not decode as an AMF0
// name/value pair.
var ErrNotScriptData = errors.New("flv: not a script data body")

// span locates a property's encoded value inside the script data body, for
// in-place patching by the writer.
type span struct {
	key   string
	value interface{}
	off   int // offset of the value's marker byte
	end   int // offset one past the value
}

// DecodeScriptData decodes a ScriptData tag body into its method name and,
// for object-valued bodies, the ordered property list.
func DecodeScriptData(data []byte) (string, []Property, error) {
	name, spans, err := scanScriptData(data)
	if err != nil {
		return "", nil, err
	}
	props := make([]Property, len(spans))
	for i, s := range spans {
		props[i] = Property{Key: s.key, Value: s.value}
	}
	return name, props, nil
}

// scriptDataName decodes only the leading method name of a ScriptData tag
// body, or returns "" when the body does not start with an AMF0 string.
func scriptDataName(data []byte) string {
	var name string
	if err := amf0.NewDecoder(bytes.NewReader(data)).Decode(&name); err != nil {
		return ""
	}
	return name
}

// scanScriptData decodes like DecodeScriptData but also reports each value's
// byte range within data.
func scanScriptData(data []byte) (string, []span, error) {
	cr := &countingReader{r: bytes.NewReader(data)}

	var name string
	if err := amf0.NewDecoder(cr).Decode(&name); err != nil {
		return "", nil, fmt.Errorf("%w: name: %v", ErrNotScriptData, err)
	}

	marker, err := cr.ReadByte()
	if err != nil {
		return "", nil, fmt.Errorf("%w: missing value", ErrNotScriptData)
	}
	switch marker {
	case markerObject:
		// Properties follow immediately.
	case markerECMAArray:
		// A 4-byte approximate count precedes the properties; the object-end
		// marker is authoritative, so the count is skipped.
		var count [4]byte
		if _, err := io.ReadFull(cr, count[:]); err != nil {
			return "", nil, fmt.Errorf("%w: ECMA array header", ErrNotScriptData)
		}
	default:
		return "", nil, fmt.Errorf("%w: value marker 0x%02x", ErrNotScriptData, marker)
	}

	var spans []span
	for {
		key, end, err := readObjectKey(cr)
		if err != nil {
			return "", nil, fmt.Errorf("flv: script data key: %w", err)
		}
		if end {
			return name, spans, nil
		}
		s := span{key: key, off: cr.n}
		if err := amf0.NewDecoder(cr).Decode(&s.value); err != nil {
			return "", nil, fmt.Errorf("flv: script data value %q: %w", key, err)
		}
		s.end = cr.n
		spans = append(spans, s)
	}
}

// readObjectKey reads one UTF-8 object key, or reports the object-end
// sequence (zero-length key followed by the end marker).
func readObjectKey(r io.Reader) (string, bool, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", false, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		var m [1]byte
		if _, err := io.ReadFull(r, m[:]); err != nil {
			return "", false, err
		}
		if m[0] != markerObjectEnd {
			return "", false, fmt.Errorf("expected object end, found marker 0x%02x", m[0])
		}
		return "", true, nil
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", false, err
	}
	return string(key), false, nil
}

// EncodeScriptData serializes a method name and ordered properties as a
// ScriptData tag body (name, then one AMF0 object).
func EncodeScriptData(name string, props []Property) ([]byte, error) {
	var buf bytes.Buffer
	if err := amf0.NewEncoder(&buf).Encode(name); err != nil {
		return nil, fmt.Errorf("flv: encode script data name: %w", err)
	}
	buf.WriteByte(markerObject)
	for _, p := range props {
		if err := writeObjectKey(&buf, p.Key); err != nil {
			return nil, err
		}
		if err := encodePropertyValue(&buf, p.Value); err != nil {
			return nil, fmt.Errorf("flv: encode %q: %w", p.Key, err)
		}
	}
	writeObjectEnd(&buf)
	return buf.Bytes(), nil
}

func encodePropertyValue(buf *bytes.Buffer, value interface{}) error {
	// The keyframe index controls its own byte layout so the writer can
	// patch it in place without changing the file length.
	if idx, ok := value.(*KeyframeIndex); ok {
		buf.Write(idx.encode())
		return nil
	}
	return amf0.NewEncoder(buf).Encode(value)
}

func writeObjectKey(buf *bytes.Buffer, key string) error {
	if len(key) > math.MaxUint16 {
		return fmt.Errorf("flv: object key too long (%d bytes)", len(key))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(key)))
	buf.Write(lenBuf[:])
	buf.WriteString(key)
	return nil
}

func writeObjectEnd(buf *bytes.Buffer) {
	buf.Write([]byte{0x00, 0x00, markerObjectEnd})
}

// countingReader tracks how many bytes have been consumed so value spans can
// be located for later in-place patching.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
