package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// PCMSource reads raw interleaved little-endian int16 PCM from a byte
// stream, such as stdin fed by `arecord -f S16_LE`.
type PCMSource struct {
	r      io.Reader
	format Format
	conv   FormatConverter
	raw    []byte
	odd    []byte
	rest   []int16
}

var _ Source = (*PCMSource)(nil)

// NewPCMSource reads PCM in format f from r. Close closes r when it is an
// io.Closer.
func NewPCMSource(r io.Reader, f Format) (*PCMSource, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio: pcm source: invalid format %+v", f)
	}
	return &PCMSource{
		r:      r,
		format: f,
		raw:    make([]byte, 2*f.Channels*ChunkSamples*f.SampleRate/SampleRate+2*f.Channels),
	}, nil
}

// Read implements [Source]. The underlying reader is not interruptible; ctx
// is checked between reads.
func (s *PCMSource) Read(ctx context.Context, buf []int16) (int, error) {
	for len(s.rest) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := s.r.Read(s.raw)
		if n > 0 {
			data := append(s.odd, s.raw[:n]...)
			frame := 2 * s.format.Channels
			whole := len(data) - len(data)%frame
			s.odd = append([]byte(nil), data[whole:]...)
			out, cerr := s.conv.ConvertSamples(BytesToSamples(data[:whole]), s.format)
			if cerr != nil {
				return 0, cerr
			}
			s.rest = out
		}
		if err != nil {
			if len(s.rest) > 0 {
				break
			}
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("audio: read pcm: %w", err)
		}
	}
	n := copy(buf, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

// Close implements [Source].
func (s *PCMSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
