package hls

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

// ErrNoInit reports init segment bytes with no moov box.
var ErrNoInit = errors.New("hls: no moov in init segment")

// InitInfo is what the rest of the package needs from an initialization
// segment: the movie timescale for converting sample durations to wall time
// and the trex default in case fragments rely on it.
type InitInfo struct {
	TrackID               uint32
	Timescale             uint32
	DefaultSampleDuration uint32
}

// ProbeInit parses an initialization segment and extracts its track timing.
// Multi-track inits use the first track; interleaved captures keep audio and
// video in lockstep, so one track's clock is enough for segmentation.
func ProbeInit(data []byte) (InitInfo, error) {
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return InitInfo{}, fmt.Errorf("hls: parse init segment: %w", err)
	}
	if f.Init == nil || f.Init.Moov == nil || len(f.Init.Moov.Traks) == 0 {
		return InitInfo{}, ErrNoInit
	}
	moov := f.Init.Moov
	trak := moov.Traks[0]

	info := InitInfo{
		TrackID:   trak.Tkhd.TrackID,
		Timescale: trak.Mdia.Mdhd.Timescale,
	}
	if moov.Mvex != nil && moov.Mvex.Trex != nil {
		info.DefaultSampleDuration = moov.Mvex.Trex.DefaultSampleDuration
	}
	return info, nil
}

// SegmentDuration computes a media segment's playback time by summing its
// sample durations across all fragments, falling back from per-sample values
// to the tfhd and then the trex default.
func SegmentDuration(data []byte, info InitInfo) (time.Duration, error) {
	if info.Timescale == 0 {
		return 0, fmt.Errorf("hls: segment duration: zero timescale")
	}
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("hls: parse media segment: %w", err)
	}

	var units uint64
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			for _, traf := range frag.Moof.Trafs {
				tfhdDefault := uint32(0)
				if traf.Tfhd != nil && traf.Tfhd.HasDefaultSampleDuration() {
					tfhdDefault = traf.Tfhd.DefaultSampleDuration
				}
				for _, trun := range traf.Truns {
					for _, s := range trun.Samples {
						units += uint64(sampleDuration(s.Dur, tfhdDefault, info.DefaultSampleDuration))
					}
				}
			}
		}
	}
	return time.Duration(units) * time.Second / time.Duration(info.Timescale), nil
}

func sampleDuration(dur, tfhdDefault, trexDefault uint32) uint32 {
	switch {
	case dur > 0:
		return dur
	case tfhdDefault > 0:
		return tfhdDefault
	default:
		return trexDefault
	}
}
