package audio

import (
	"context"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// wavReadFrames is the number of multi-channel frames decoded per refill.
const wavReadFrames = 4096

// WAVSource reads a PCM WAV file of any rate, bit depth and channel count
// and delivers it as mono [SampleRate] samples.
type WAVSource struct {
	f    io.Closer
	dec  *wav.Decoder
	conv FormatConverter
	buf  *goaudio.IntBuffer
	rest []int16
	eof  bool

	// Format is the native format of the file.
	Format   Format
	BitDepth int
}

var _ Source = (*WAVSource)(nil)

// OpenWAV opens path on fs (the OS filesystem when nil).
func OpenWAV(fs afero.Fs, path string) (*WAVSource, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open wav: %w", err)
	}
	s, err := NewWAVSource(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audio: %s: %w", path, err)
	}
	s.f = f
	return s, nil
}

// NewWAVSource decodes the WAV stream r. Close does not close r.
func NewWAVSource(r io.ReadSeeker) (*WAVSource, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("audio: not a valid PCM wav file")
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("audio: read wav header: %w", err)
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("audio: unsupported wav encoding %d, want PCM", dec.WavAudioFormat)
	}
	channels, rate, depth := int(dec.NumChans), int(dec.SampleRate), int(dec.BitDepth)
	if channels <= 0 || rate <= 0 || depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("audio: unsupported wav format: %d channels, %d Hz, %d bit", channels, rate, depth)
	}
	return &WAVSource{
		dec: dec,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: rate},
			Data:   make([]int, wavReadFrames*channels),
		},
		Format:   Format{SampleRate: rate, Channels: channels},
		BitDepth: depth,
	}, nil
}

// Read implements [Source].
func (s *WAVSource) Read(ctx context.Context, buf []int16) (int, error) {
	for len(s.rest) == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if s.eof {
			return 0, io.EOF
		}
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(buf, s.rest)
	s.rest = s.rest[n:]
	return n, nil
}

func (s *WAVSource) fill() error {
	if s.dec == nil {
		return io.ErrClosedPipe
	}
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("audio: decode wav: %w", err)
	}
	if n == 0 || errors.Is(err, io.EOF) {
		s.eof = true
	}
	n -= n % s.Format.Channels
	pcm := make([]int16, n)
	for i, v := range s.buf.Data[:n] {
		pcm[i] = ScaleToInt16(v, s.BitDepth)
	}
	out, err := s.conv.ConvertSamples(pcm, s.Format)
	if err != nil {
		return err
	}
	s.rest = out
	return nil
}

// Close implements [Source].
func (s *WAVSource) Close() error {
	s.dec = nil
	s.rest = nil
	s.eof = true
	if s.f != nil {
		f := s.f
		s.f = nil
		return f.Close()
	}
	return nil
}

// WriteWAV writes mono [SampleRate] samples as a 16-bit PCM WAV file.
func WriteWAV(w io.WriteSeeker, samples []int16) error {
	enc := wav.NewEncoder(w, SampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	return enc.Close()
}
