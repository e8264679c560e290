package flv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/remux/pipeline"
)

func flvHeaderBytes(flags byte) []byte {
	return []byte{'F', 'L', 'V', 1, flags, 0, 0, 0, 9, 0, 0, 0, 0}
}

func tagBytes(typ TagType, ts int32, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(typ))
	buf.Write([]byte{byte(len(data) >> 16), byte(len(data) >> 8), byte(len(data))})
	u := uint32(ts)
	buf.Write([]byte{byte(u >> 16), byte(u >> 8), byte(u), byte(u >> 24)})
	buf.Write([]byte{0, 0, 0})
	buf.Write(data)
	size := uint32(TagHeaderSize + len(data))
	buf.Write([]byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)})
	return buf.Bytes()
}

func TestReaderHeaderAndTags(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(flvHeaderBytes(0x05))
	stream.Write(tagBytes(TagVideo, 40, []byte{0x17, 1, 0, 0, 0}))
	stream.Write(tagBytes(TagAudio, 63, []byte{0xaf, 1}))

	r := NewReader(&stream)
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	h := rec.(*Header)
	if h.Version != 1 || !h.HasAudio || !h.HasVideo {
		t.Errorf("header: %+v", h)
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatalf("first tag: %v", err)
	}
	tag := rec.(*Tag)
	if tag.Type != TagVideo || tag.Timestamp != 40 || len(tag.Data) != 5 {
		t.Errorf("video tag: %+v", tag)
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatalf("second tag: %v", err)
	}
	if tag := rec.(*Tag); tag.Type != TagAudio || tag.Timestamp != 63 {
		t.Errorf("audio tag: %+v", tag)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("at clean end: %v, want EOF", err)
	}
}

func TestReaderExtendedTimestamp(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(flvHeaderBytes(0x01))
	stream.Write(tagBytes(TagVideo, 0x12345678, []byte{0}))

	r := NewReader(&stream)
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	rec, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ts := rec.(*Tag).Timestamp; ts != 0x12345678 {
		t.Errorf("timestamp: got %#x, want 0x12345678", ts)
	}
}

func TestReaderBadSignature(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader([]byte("MKV\x01\x05\x00\x00\x00\x09")))
	if _, err := r.Next(); !errors.Is(err, ErrBadSignature) {
		t.Errorf("got %v, want ErrBadSignature", err)
	}
}

func TestReaderTruncatedTag(t *testing.T) {
	t.Parallel()

	full := tagBytes(TagVideo, 0, make([]byte, 50))
	var stream bytes.Buffer
	stream.Write(flvHeaderBytes(0x01))
	stream.Write(full[:20]) // cut inside the tag payload

	r := NewReader(&stream)
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

func TestReaderMissingBackPointerStillYieldsTag(t *testing.T) {
	t.Parallel()

	full := tagBytes(TagVideo, 10, []byte{1, 2, 3})
	var stream bytes.Buffer
	stream.Write(flvHeaderBytes(0x01))
	stream.Write(full[:len(full)-PrevTagSizeBytes])

	r := NewReader(&stream)
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("tag without back-pointer: %v", err)
	}
	if tag := rec.(*Tag); tag.Timestamp != 10 || len(tag.Data) != 3 {
		t.Errorf("tag: %+v", tag)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after cut: %v, want EOF", err)
	}
}

func TestReaderStreamForwardsDecodeError(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(flvHeaderBytes(0x01))
	stream.Write(tagBytes(TagVideo, 0, []byte{1}))
	stream.Write([]byte{9, 0, 0}) // torn tag header

	out := make(chan pipeline.Result[Record], 8)
	if err := NewReader(&stream).Stream(context.Background(), out); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var results []pipeline.Result[Record]
	for res := range out {
		results = append(results, res)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want header, tag, error", len(results))
	}
	if results[0].Err != nil || results[1].Err != nil {
		t.Error("leading records should decode cleanly")
	}
	if !errors.Is(results[2].Err, ErrTruncated) {
		t.Errorf("final result: %v, want ErrTruncated", results[2].Err)
	}
}
