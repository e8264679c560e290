package hls

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/remux/pipeline"
)

// ErrTruncated reports a recording cut off mid-box or mid-group, the normal
// way a live capture ends when the connection drops.
var ErrTruncated = errors.New("hls: truncated segment")

// Reader regroups a fragmented-MP4 byte stream into records. It frames
// top-level boxes only: everything up to and including moov becomes the
// InitSegment, each following group up to and including mdat becomes one
// MediaSegment, and a clean end of stream yields an EndMarker. Box contents
// are not interpreted here.
type Reader struct {
	r       *bufio.Reader
	inMedia bool
	marked  bool
	done    bool
}

// NewReader wraps r for record-at-a-time regrouping.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record. It returns io.EOF after the EndMarker and
// ErrTruncated when the stream ends inside a box or group.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return nil, io.EOF
	}

	var group []byte
	for {
		box, typ, err := r.readBox()
		if errors.Is(err, io.EOF) {
			r.done = true
			if len(group) > 0 {
				return nil, ErrTruncated
			}
			if !r.marked {
				r.marked = true
				return &EndMarker{}, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			r.done = true
			return nil, err
		}

		if !r.inMedia && (typ == "styp" || typ == "moof") {
			// Media arrived before any moov: the capture landed mid-stream.
			// Whatever preceded it still goes out as the init segment.
			r.inMedia = true
			if len(group) > 0 {
				r.r = bufio.NewReader(io.MultiReader(bytes.NewReader(box), r.r))
				return &InitSegment{Data: group}, nil
			}
		}

		group = append(group, box...)
		if !r.inMedia && typ == "moov" {
			r.inMedia = true
			return &InitSegment{Data: group}, nil
		}
		if r.inMedia && typ == "mdat" {
			return &MediaSegment{Data: group}, nil
		}
	}
}

func (r *Reader) readBox() ([]byte, string, error) {
	var head [8]byte
	n, err := io.ReadFull(r.r, head[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, "", io.EOF
		}
		return nil, "", ErrTruncated
	}

	size := uint64(binary.BigEndian.Uint32(head[:4]))
	typ := string(head[4:8])
	box := append([]byte(nil), head[:]...)

	switch size {
	case 0:
		// Box extends to end of stream.
		rest, err := io.ReadAll(r.r)
		if err != nil {
			return nil, "", fmt.Errorf("hls: read box %s: %w", typ, err)
		}
		return append(box, rest...), typ, nil
	case 1:
		var large [8]byte
		if _, err := io.ReadFull(r.r, large[:]); err != nil {
			return nil, "", ErrTruncated
		}
		box = append(box, large[:]...)
		size = binary.BigEndian.Uint64(large[:])
		if size < 16 {
			return nil, "", fmt.Errorf("hls: box %s: bad largesize %d", typ, size)
		}
	default:
		if size < 8 {
			return nil, "", fmt.Errorf("hls: box %s: bad size %d", typ, size)
		}
	}

	body := make([]byte, size-uint64(len(box)))
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, "", ErrTruncated
	}
	return append(box, body...), typ, nil
}

// Stream regroups records into out until the stream or ctx ends. A framing
// error is forwarded as a failed Result and ends the stream. Stream closes
// out before returning.
func (r *Reader) Stream(ctx context.Context, out chan<- pipeline.Result[Record]) error {
	defer close(out)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		var res pipeline.Result[Record]
		if err != nil {
			res = pipeline.Fail[Record](err)
		} else {
			res = pipeline.OK(rec)
		}

		select {
		case out <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
	}
}
