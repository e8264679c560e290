package flv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/zsiec/remux/pipeline"
)

// WriterConfig configures the file writer.
type WriterConfig struct {
	// Dir is the output directory; it must exist.
	Dir string
	// BaseName is the file stem; outputs are <BaseName>_000.flv,
	// <BaseName>_001.flv, and so on.
	BaseName string
}

// ErrTagBeforeHeader reports a record sequence that carries media before any
// file header; the pipeline never produces one.
var ErrTagBeforeHeader = errors.New("flv: tag before header")

// Writer is the sink: it serializes the final record sequence to disk. Every
// Header record starts a new numbered file, which is how the limiter's chunk
// boundaries become file boundaries. While writing it tracks video keyframe
// positions and, on file close, patches the Final keyframe index and the
// measured duration and size into the space the injector reserved, in place,
// without rewriting the file.
type Writer struct {
	cfg WriterConfig
	log *slog.Logger

	f      *os.File
	path   string
	offset int64
	seq    int
	files  []string

	keyTimes     []float64
	keyPositions []uint64
	lastTS       int32
	sawTS        bool
	patch        *patchTargets

	decodeErrs int
}

// patchTargets records absolute file offsets of the patchable onMetaData
// fields, captured when the metadata tag is written.
type patchTargets struct {
	duration      int64 // offset of the float64 payload, -1 if absent
	fileSize      int64
	lastTimestamp int64
	keyframesOff  int64 // offset of the keyframes value
	keyframesLen  int   // encoded length reserved by the placeholder
}

// NewWriter creates a writer. A nil logger falls back to slog.Default.
func NewWriter(cfg WriterConfig, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{cfg: cfg, log: log.With("component", "flv-writer")}
}

// HandleResult is the pipeline sink adapter. Upstream decode errors are
// logged and counted but do not stop the run: a live recording is repaired
// up to the point it broke.
func (w *Writer) HandleResult(res pipeline.Result[Record]) error {
	if res.Err != nil {
		w.decodeErrs++
		w.log.Warn("upstream decode error", "error", res.Err)
		return nil
	}
	return w.Write(res.Rec)
}

// Write serializes one record.
func (w *Writer) Write(rec Record) error {
	switch r := rec.(type) {
	case *Header:
		return w.startFile(r)
	case *Tag:
		return w.writeTag(r)
	default:
		return fmt.Errorf("flv: unsupported record %T", rec)
	}
}

// Files returns the paths written so far, in order.
func (w *Writer) Files() []string { return w.files }

// DecodeErrors returns how many upstream decode errors the sink absorbed.
func (w *Writer) DecodeErrors() int { return w.decodeErrs }

// Close finishes the current file, patching its metadata. It is safe to call
// when no file is open.
func (w *Writer) Close() error {
	return w.finishFile()
}

func (w *Writer) startFile(h *Header) error {
	if err := w.finishFile(); err != nil {
		return err
	}

	w.path = filepath.Join(w.cfg.Dir, fmt.Sprintf("%s_%03d.flv", w.cfg.BaseName, w.seq))
	w.seq++

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("flv: create %s: %w", w.path, err)
	}
	w.f = f

	var buf [HeaderSize + PrevTagSizeBytes]byte
	copy(buf[:3], Signature)
	buf[3] = h.Version
	if buf[3] == 0 {
		buf[3] = 1
	}
	if h.HasAudio {
		buf[4] |= 0x04
	}
	if h.HasVideo {
		buf[4] |= 0x01
	}
	binary.BigEndian.PutUint32(buf[5:9], HeaderSize)
	// buf[9:13] stays zero: PrevTagSize0.
	if _, err := f.Write(buf[:]); err != nil {
		return fmt.Errorf("flv: write header: %w", err)
	}

	w.offset = int64(len(buf))
	w.keyTimes = w.keyTimes[:0]
	w.keyPositions = w.keyPositions[:0]
	w.lastTS = 0
	w.sawTS = false
	w.patch = nil

	w.log.Info("new output file", "path", w.path)
	return nil
}

func (w *Writer) writeTag(t *Tag) error {
	if w.f == nil {
		return ErrTagBeforeHeader
	}

	tagStart := w.offset

	var head [TagHeaderSize]byte
	head[0] = byte(t.Type)
	head[1] = byte(len(t.Data) >> 16)
	head[2] = byte(len(t.Data) >> 8)
	head[3] = byte(len(t.Data))
	ts := uint32(t.Timestamp)
	head[4] = byte(ts >> 16)
	head[5] = byte(ts >> 8)
	head[6] = byte(ts)
	head[7] = byte(ts >> 24)
	head[8] = byte(t.StreamID >> 16)
	head[9] = byte(t.StreamID >> 8)
	head[10] = byte(t.StreamID)

	if _, err := w.f.Write(head[:]); err != nil {
		return fmt.Errorf("flv: write tag header: %w", err)
	}
	if _, err := w.f.Write(t.Data); err != nil {
		return fmt.Errorf("flv: write tag data: %w", err)
	}
	var prev [PrevTagSizeBytes]byte
	binary.BigEndian.PutUint32(prev[:], uint32(TagHeaderSize+len(t.Data)))
	if _, err := w.f.Write(prev[:]); err != nil {
		return fmt.Errorf("flv: write prev tag size: %w", err)
	}
	w.offset += t.WireSize()

	switch {
	case t.IsKeyframe():
		w.keyTimes = append(w.keyTimes, float64(t.Timestamp)/1000)
		w.keyPositions = append(w.keyPositions, uint64(tagStart))
	case t.Type == TagScriptData && w.patch == nil:
		w.capturePatchTargets(t, tagStart)
	}

	if t.Type == TagAudio || t.Type == TagVideo {
		if !w.sawTS || t.Timestamp > w.lastTS {
			w.lastTS = t.Timestamp
			w.sawTS = true
		}
	}
	return nil
}

// capturePatchTargets scans the just-written onMetaData tag for the numeric
// fields and placeholder keyframe index the close-time patch will fill in.
func (w *Writer) capturePatchTargets(t *Tag, tagStart int64) {
	name, spans, err := scanScriptData(t.Data)
	if err != nil || name != "onMetaData" {
		return
	}
	dataStart := tagStart + TagHeaderSize
	p := &patchTargets{duration: -1, fileSize: -1, lastTimestamp: -1, keyframesOff: -1}
	for _, s := range spans {
		switch s.key {
		case "duration", "filesize", "lasttimestamp":
			if t.Data[s.off] != markerNumber {
				continue
			}
			// Skip the marker byte: the patch rewrites only the payload.
			off := dataStart + int64(s.off) + 1
			switch s.key {
			case "duration":
				p.duration = off
			case "filesize":
				p.fileSize = off
			case "lasttimestamp":
				p.lastTimestamp = off
			}
		case "keyframes":
			if idx, ok := parseKeyframeIndex(s.value); ok && idx.IsPlaceholder() {
				p.keyframesOff = dataStart + int64(s.off)
				p.keyframesLen = s.end - s.off
			}
		}
	}
	w.patch = p
}

func (w *Writer) finishFile() error {
	if w.f == nil {
		return nil
	}
	if err := w.patchMetadata(); err != nil {
		w.log.Warn("metadata patch failed", "path", w.path, "error", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("flv: close %s: %w", w.path, err)
	}
	w.files = append(w.files, w.path)
	w.log.Info("file complete",
		"path", w.path,
		"bytes", w.offset,
		"keyframes", len(w.keyTimes),
		"duration_ms", w.lastTS,
	)
	w.f = nil
	return nil
}

// patchMetadata rewrites the reserved regions of the onMetaData tag with the
// measured values. Every write lands inside space the injector reserved, so
// the file length never changes.
func (w *Writer) patchMetadata() error {
	if w.patch == nil {
		return nil
	}
	seconds := float64(w.lastTS) / 1000

	if err := w.patchNumber(w.patch.duration, seconds); err != nil {
		return err
	}
	if err := w.patchNumber(w.patch.fileSize, float64(w.offset)); err != nil {
		return err
	}
	if err := w.patchNumber(w.patch.lastTimestamp, seconds); err != nil {
		return err
	}

	if w.patch.keyframesOff < 0 {
		return nil
	}
	idx, ok := fitPlaceholder(w.patch.keyframesLen, w.keyTimes, w.keyPositions)
	if !ok {
		return fmt.Errorf("flv: keyframe placeholder of %d bytes does not fit the index layout", w.patch.keyframesLen)
	}
	if dropped := len(w.keyTimes) - len(idx.Times); dropped > 0 {
		w.log.Warn("keyframe index full, tail dropped", "dropped", dropped)
	}
	encoded := idx.encode()
	if len(encoded) != w.patch.keyframesLen {
		return fmt.Errorf("flv: keyframe index encodes to %d bytes, reserved %d", len(encoded), w.patch.keyframesLen)
	}
	if _, err := w.f.WriteAt(encoded, w.patch.keyframesOff); err != nil {
		return fmt.Errorf("flv: patch keyframe index: %w", err)
	}
	return nil
}

func (w *Writer) patchNumber(off int64, value float64) error {
	if off < 0 {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(value))
	if _, err := w.f.WriteAt(buf[:], off); err != nil {
		return fmt.Errorf("flv: patch number at %d: %w", off, err)
	}
	return nil
}
