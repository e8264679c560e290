package hls

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/remux/pipeline"
)

func TestReaderRegroupsStream(t *testing.T) {
	t.Parallel()

	initData := makeInit(t)
	seg1 := makeFragment(t, 1, 0, 3000, 3000)
	seg2 := makeFragment(t, 2, 6000, 3000)

	var stream bytes.Buffer
	stream.Write(initData)
	stream.Write(seg1)
	stream.Write(seg2)

	r := NewReader(&stream)

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	init, ok := rec.(*InitSegment)
	if !ok || !bytes.Equal(init.Data, initData) {
		t.Fatalf("init segment bytes do not round-trip (got %T, %d bytes)", rec, len(init.Data))
	}

	for i, want := range [][]byte{seg1, seg2} {
		rec, err = r.Next()
		if err != nil {
			t.Fatalf("segment %d: %v", i, err)
		}
		seg, ok := rec.(*MediaSegment)
		if !ok || !bytes.Equal(seg.Data, want) {
			t.Fatalf("segment %d bytes do not round-trip (got %T)", i, rec)
		}
		if seg.Duration != 0 {
			t.Errorf("segment %d: raw streams carry no self-reported duration, got %v", i, seg.Duration)
		}
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatalf("end marker: %v", err)
	}
	if _, ok := rec.(*EndMarker); !ok {
		t.Fatalf("got %T, want EndMarker", rec)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after end marker: %v, want EOF", err)
	}
}

func TestReaderTruncatedFragment(t *testing.T) {
	t.Parallel()

	seg := makeFragment(t, 1, 0, 3000)

	var stream bytes.Buffer
	stream.Write(makeInit(t))
	stream.Write(seg[:len(seg)-5]) // cut inside the mdat

	r := NewReader(&stream)
	if _, err := r.Next(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

func TestReaderMediaWithoutInit(t *testing.T) {
	t.Parallel()

	// A capture that joined mid-stream: no ftyp/moov, fragments only.
	var stream bytes.Buffer
	stream.Write(makeFragment(t, 1, 0, 3000))

	r := NewReader(&stream)
	rec, err := r.Next()
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, ok := rec.(*MediaSegment); !ok {
		t.Fatalf("got %T, want MediaSegment", rec)
	}
}

func TestReaderStreamForwardsFramingError(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(makeInit(t))
	stream.Write([]byte{0, 0}) // torn box header

	out := make(chan pipeline.Result[Record], 8)
	if err := NewReader(&stream).Stream(context.Background(), out); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var results []pipeline.Result[Record]
	for res := range out {
		results = append(results, res)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want init then error", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("init should frame cleanly, got %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrTruncated) {
		t.Errorf("final result: %v, want ErrTruncated", results[1].Err)
	}
}
