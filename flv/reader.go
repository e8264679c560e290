package flv

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

// Signature is the three-byte magic that opens every FLV file.
var Signature = []byte{'F', 'L', 'V'}

// ErrTruncated reports a recording cut off mid-tag, the normal way a live
// capture ends when the connection drops.
var ErrTruncated = errors.New("flv: truncated tag")

// ErrBadSignature reports input that is not an FLV stream.
var ErrBadSignature = errors.New("flv: bad signature")

// Reader decodes an FLV byte stream into records: the file header first,
// then one record per tag. PrevTagSize fields are consumed and not validated;
// repairing inconsistent back-pointers is the writer's job.
type Reader struct {
	r          *bufio.Reader
	headerRead bool
	done       bool
}

// NewReader wraps r for record-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record. It returns io.EOF at a clean tag boundary
// and ErrTruncated when the stream ends mid-tag; a tag cut off at the
// trailing PrevTagSize is still returned, since only its back-pointer is
// missing.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return nil, io.EOF
	}
	if !r.headerRead {
		return r.readHeader()
	}
	return r.readTag()
}

func (r *Reader) readHeader() (Record, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		r.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrBadSignature)
		}
		return nil, fmt.Errorf("flv: read header: %w", err)
	}
	if !bytes.Equal(buf[:3], Signature) {
		r.done = true
		return nil, ErrBadSignature
	}
	h := &Header{
		Version:  buf[3],
		HasAudio: buf[4]&0x04 != 0,
		HasVideo: buf[4]&0x01 != 0,
	}
	r.headerRead = true

	// Skip any extension beyond the 9 standard bytes, then the zero
	// PrevTagSize0. A stream that ends here still yields its header.
	dataOffset := binary.BigEndian.Uint32(buf[5:9])
	skip := int64(PrevTagSizeBytes)
	if dataOffset > HeaderSize {
		skip += int64(dataOffset) - HeaderSize
	}
	if _, err := io.CopyN(io.Discard, r.r, skip); err != nil {
		r.done = true
	}
	return h, nil
}

func (r *Reader) readTag() (Record, error) {
	var head [TagHeaderSize]byte
	n, err := io.ReadFull(r.r, head[:])
	if err != nil {
		r.done = true
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ErrTruncated
	}

	dataSize := uint32(head[1])<<16 | uint32(head[2])<<8 | uint32(head[3])
	timestamp := int32(head[7])<<24 | int32(head[4])<<16 | int32(head[5])<<8 | int32(head[6])
	streamID := uint32(head[8])<<16 | uint32(head[9])<<8 | uint32(head[10])

	tag := &Tag{
		Type:      TagType(head[0] & 0x1f),
		Timestamp: timestamp,
		StreamID:  streamID,
		Data:      make([]byte, dataSize),
	}
	if _, err := io.ReadFull(r.r, tag.Data); err != nil {
		r.done = true
		return nil, ErrTruncated
	}

	var prev [PrevTagSizeBytes]byte
	if _, err := io.ReadFull(r.r, prev[:]); err != nil {
		// Only the back-pointer is missing; the tag itself is intact.
		r.done = true
	}
	return tag, nil
}

// Stream decodes records into out until the stream or ctx ends. A decode
// error is forwarded as a failed Result and ends the stream; the pipeline
// delivers it to the sink untouched. Stream closes out before returning.
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
