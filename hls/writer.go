package hls

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zsiec/remux/pipeline"
)

// WriterConfig configures the file writer.
type WriterConfig struct {
	// Dir is the output directory; it must exist.
	Dir string
	// BaseName is the file stem; outputs are <BaseName>_000.mp4 and so on,
	// plus a <BaseName>.m3u8 playlist written on Close.
	BaseName string
}

// ErrSegmentBeforeInit reports a record sequence that carries media before
// any initialization segment; the pipeline never produces one.
var ErrSegmentBeforeInit = errors.New("hls: media segment before init")

// Writer is the sink: every InitSegment record starts a new numbered file
// (the init bytes written first, so each file is independently playable) and
// MediaSegments append to it. Close emits an EVENT playlist listing the
// produced files with their accumulated durations.
type Writer struct {
	cfg WriterConfig
	log *slog.Logger

	f       *os.File
	path    string
	seq     int
	bytes   int64
	seconds float64
	info    InitInfo

	files      []string
	durations  []float64
	decodeErrs int
}

// NewWriter creates a writer. A nil logger falls back to slog.Default.
func NewWriter(cfg WriterConfig, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{cfg: cfg, log: log.With("component", "hls-writer")}
}

// HandleResult is the pipeline sink adapter. Upstream framing errors are
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
	case *InitSegment:
		return w.startFile(r)
	case *MediaSegment:
		return w.writeSegment(r)
	case *EndMarker:
		return w.finishFile()
	default:
		return fmt.Errorf("hls: unsupported record %T", rec)
	}
}

// Files returns the paths written so far, in order.
func (w *Writer) Files() []string { return w.files }

// DecodeErrors returns how many upstream errors the sink absorbed.
func (w *Writer) DecodeErrors() int { return w.decodeErrs }

// Close finishes the current file and writes the playlist. It is safe to
// call when no file is open.
func (w *Writer) Close() error {
	if err := w.finishFile(); err != nil {
		return err
	}
	if len(w.files) == 0 {
		return nil
	}
	return w.writePlaylist()
}

func (w *Writer) startFile(init *InitSegment) error {
	if err := w.finishFile(); err != nil {
		return err
	}

	if info, err := ProbeInit(init.Data); err != nil {
		w.log.Warn("init segment probe failed", "error", err)
		w.info = InitInfo{}
	} else {
		w.info = info
	}

	w.path = filepath.Join(w.cfg.Dir, fmt.Sprintf("%s_%03d.mp4", w.cfg.BaseName, w.seq))
	w.seq++

	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("hls: create %s: %w", w.path, err)
	}
	w.f = f
	if _, err := f.Write(init.Data); err != nil {
		return fmt.Errorf("hls: write init segment: %w", err)
	}
	w.bytes = int64(len(init.Data))
	w.seconds = 0

	w.log.Info("new output file", "path", w.path, "timescale", w.info.Timescale)
	return nil
}

func (w *Writer) writeSegment(seg *MediaSegment) error {
	if w.f == nil {
		return ErrSegmentBeforeInit
	}
	if _, err := w.f.Write(seg.Data); err != nil {
		return fmt.Errorf("hls: write media segment: %w", err)
	}
	w.bytes += int64(len(seg.Data))
	w.seconds += w.segmentSeconds(seg)
	return nil
}

// segmentSeconds mirrors the profile's duration derivation so the playlist
// carries real lengths even when segments self-report nothing.
func (w *Writer) segmentSeconds(seg *MediaSegment) float64 {
	if seg.Duration > 0 {
		return float64(seg.Duration)
	}
	if w.info.Timescale == 0 {
		return 0
	}
	d, err := SegmentDuration(seg.Data, w.info)
	if err != nil {
		w.log.Warn("media segment probe failed", "error", err)
		return 0
	}
	return d.Seconds()
}

func (w *Writer) finishFile() error {
	if w.f == nil {
		return nil
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("hls: close %s: %w", w.path, err)
	}
	w.files = append(w.files, w.path)
	w.durations = append(w.durations, w.seconds)
	w.log.Info("file complete",
		"path", w.path,
		"bytes", w.bytes,
		"seconds", w.seconds,
	)
	w.f = nil
	return nil
}

func (w *Writer) writePlaylist() error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")

	target := 0
	for _, d := range w.durations {
		if sec := int(d + 0.999); sec > target {
			target = sec
		}
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)

	for i, path := range w.files {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", w.durations[i], filepath.Base(path))
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	path := filepath.Join(w.cfg.Dir, w.cfg.BaseName+".m3u8")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("hls: write playlist: %w", err)
	}
	w.log.Info("playlist written", "path", path, "files", len(w.files))
	return nil
}
