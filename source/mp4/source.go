// Package mp4 provides a SampleSource reading the first video track of an MP4 file.
package mp4

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/pkg/errors"
	"github.com/xaionaro-go/asyncdecoder"
)

type sample struct {
	Offset     int64
	Size       uint32
	Data       []byte
	DecodeTime uint64
	CompOffset int32
	IsSync     bool
}

// Source demuxes samples of a video track and hands them out in decode order.
// H.264 and HEVC samples are converted to Annex B with parameter sets
// prepended to sync samples; other codecs are passed through as is.
type Source struct {
	locker       sync.Mutex
	reader       io.ReadSeeker
	closer       io.Closer
	format       asyncdecoder.Format
	timescale    uint32
	parameterSet []byte
	samples      []sample
	next         int
	readBuf      []byte
}

var _ asyncdecoder.SampleSource = (*Source)(nil)

func Open(ctx context.Context, path string) (_ret *Source, _err error) {
	logger.Debugf(ctx, "Open('%s')", path)
	defer func() { logger.Debugf(ctx, "/Open('%s'): %v", path, _err) }()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open '%s'", path)
	}
	src, err := NewFromReader(ctx, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

func NewFromReader(
	ctx context.Context,
	r io.ReadSeeker,
) (*Source, error) {
	file, err := mp4.DecodeFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode the MP4 structure")
	}

	src := &Source{
		reader:    r,
		timescale: 1000,
	}
	if file.IsFragmented() {
		err = src.loadFragmented(ctx, file)
	} else {
		err = src.loadProgressive(ctx, file)
	}
	if err != nil {
		return nil, err
	}
	for _, smp := range src.samples {
		// Annex B start codes take as much room as the AVCC length prefixes
		src.format.MaxInputSize = max(src.format.MaxInputSize, int(smp.Size)+len(src.parameterSet))
	}
	logger.Debugf(ctx, "found %d samples, format: %s", len(src.samples), src.format)
	return src, nil
}

func (s *Source) Format() asyncdecoder.Format {
	return s.format
}

func (s *Source) NumSamples() int {
	return len(s.samples)
}

func (s *Source) ReadNext(
	ctx context.Context,
	buf []byte,
) (_n int, _pts time.Duration, _hasMore bool, _err error) {
	s.locker.Lock()
	defer s.locker.Unlock()

	if s.reader == nil {
		return -1, 0, false, io.ErrClosedPipe
	}
	if s.next >= len(s.samples) {
		return -1, 0, false, nil
	}

	smp := s.samples[s.next]
	payload := smp.Data
	if payload == nil {
		if cap(s.readBuf) < int(smp.Size) {
			s.readBuf = make([]byte, smp.Size)
		}
		payload = s.readBuf[:smp.Size]
		if _, err := s.reader.Seek(smp.Offset, io.SeekStart); err != nil {
			return -1, 0, false, errors.Wrapf(err, "unable to seek to sample #%d", s.next)
		}
		if _, err := io.ReadFull(s.reader, payload); err != nil {
			return -1, 0, false, errors.Wrapf(err, "unable to read sample #%d", s.next)
		}
	}

	var (
		n   int
		err error
	)
	if s.isLengthPrefixed() {
		n, err = s.writeAnnexB(buf, payload, smp.IsSync || s.next == 0)
	} else {
		n, err = copySample(buf, payload)
	}
	if err != nil {
		return -1, 0, false, fmt.Errorf("sample #%d: %w", s.next, err)
	}

	pts := int64(smp.DecodeTime) + int64(smp.CompOffset)
	s.next++
	return n, s.toDuration(pts), s.next < len(s.samples), nil
}

func (s *Source) toDuration(ts int64) time.Duration {
	return time.Duration(ts) * time.Second / time.Duration(s.timescale)
}

// isLengthPrefixed reports if the samples carry AVCC/HVCC length-prefixed NALUs.
func (s *Source) isLengthPrefixed() bool {
	switch s.format.Codec {
	case asyncdecoder.VideoCodecH264, asyncdecoder.VideoCodecHEVC:
		return true
	}
	return false
}

func copySample(dst, payload []byte) (int, error) {
	if len(payload) > len(dst) {
		return 0, fmt.Errorf("the sample (%d bytes) does not fit into %d bytes", len(payload), len(dst))
	}
	return copy(dst, payload), nil
}

func (s *Source) writeAnnexB(dst, avcc []byte, withParameterSets bool) (int, error) {
	pos := 0
	if withParameterSets {
		if len(s.parameterSet) > len(dst) {
			return 0, fmt.Errorf("parameter sets (%d bytes) do not fit into %d bytes", len(s.parameterSet), len(dst))
		}
		pos += copy(dst, s.parameterSet)
	}
	n, err := avccToAnnexB(dst[pos:], avcc)
	return pos + n, err
}

func (s *Source) Close() error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.reader == nil {
		return io.ErrClosedPipe
	}
	s.reader = nil
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

var annexBStartCode = []byte{0, 0, 0, 1}

// avccToAnnexB converts length-prefixed NALUs into start-code-prefixed ones.
func avccToAnnexB(dst, avcc []byte) (int, error) {
	pos := 0
	for offset := 0; offset+4 <= len(avcc); {
		naluLen := int(avcc[offset])<<24 | int(avcc[offset+1])<<16 | int(avcc[offset+2])<<8 | int(avcc[offset+3])
		offset += 4
		if naluLen < 0 || offset+naluLen > len(avcc) {
			return pos, fmt.Errorf("NALU length %d exceeds the sample size %d", naluLen, len(avcc))
		}
		if pos+len(annexBStartCode)+naluLen > len(dst) {
			return pos, fmt.Errorf("the converted sample does not fit into %d bytes", len(dst))
		}
		pos += copy(dst[pos:], annexBStartCode)
		pos += copy(dst[pos:], avcc[offset:offset+naluLen])
		offset += naluLen
	}
	return pos, nil
}

func appendAnnexB(out []byte, nalus ...[]byte) []byte {
	for _, nalu := range nalus {
		out = append(out, annexBStartCode...)
		out = append(out, nalu...)
	}
	return out
}
