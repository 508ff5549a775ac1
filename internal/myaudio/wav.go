package myaudio

import (
	"context"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
)

// AudioInfo describes a decoded audio file
type AudioInfo struct {
	SampleRate  int
	NumChannels int
	BitDepth    int
}

// WAVSource streams a PCM WAV file, optionally looping and paced in real time
type WAVSource struct {
	path     string
	info     AudioInfo
	loop     bool
	realtime bool
	logger   logger.Logger
}

// WAVOption configures a WAVSource
type WAVOption func(*WAVSource)

// WithLoop restarts the file from the beginning when it ends
func WithLoop(loop bool) WAVOption {
	return func(s *WAVSource) { s.loop = loop }
}

// WithRealtime paces output to the file's sample rate
func WithRealtime(realtime bool) WAVOption {
	return func(s *WAVSource) { s.realtime = realtime }
}

// WithWAVLogger sets the source logger
func WithWAVLogger(log logger.Logger) WAVOption {
	return func(s *WAVSource) { s.logger = log }
}

// OpenWAV validates the file header and returns a source for it. Output is
// paced in real time unless WithRealtime(false) is given.
func OpenWAV(path string, opts ...WAVOption) (*WAVSource, error) {
	s := &WAVSource{path: path, realtime: true}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Global().Module("audio")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("open wav file: %w", err)).
			Component("myaudio").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = file.Close() }()

	info, err := readWAVInfo(file)
	if err != nil {
		return nil, errors.New(err).
			Component("myaudio").
			Category(errors.CategoryAudioSource).
			Context("path", path).
			Build()
	}
	s.info = info

	s.logger.Info("wav source opened",
		logger.String("path", path),
		logger.Int("sample_rate", info.SampleRate),
		logger.Int("channels", info.NumChannels),
		logger.Int("bit_depth", info.BitDepth),
		logger.Bool("loop", s.loop))
	return s, nil
}

// Info returns the file format
func (s *WAVSource) Info() AudioInfo { return s.info }

// SampleRate returns the file sample rate
func (s *WAVSource) SampleRate() int { return s.info.SampleRate }

// Run decodes the file into sink until it ends (or forever when looping)
// or ctx is cancelled. Reaching the end of a non-looping file returns nil.
func (s *WAVSource) Run(ctx context.Context, sink SampleSink) error {
	frames := chunkFrames(s.info.SampleRate, DefaultChunkDuration)
	var p *pacer
	if s.realtime {
		p = newPacer(frames, s.info.SampleRate)
		defer p.stop()
	}

	for pass := 0; ; pass++ {
		if err := s.stream(ctx, sink, frames, p); err != nil {
			return err
		}
		if !s.loop {
			s.logger.Info("wav source finished", logger.String("path", s.path))
			return nil
		}
		s.logger.Debug("wav source looping", logger.Int("pass", pass+1))
	}
}

func (s *WAVSource) stream(ctx context.Context, sink SampleSink, frames int, p *pacer) error {
	file, err := os.Open(s.path)
	if err != nil {
		return errors.New(fmt.Errorf("open wav file: %w", err)).
			Component("myaudio").
			Category(errors.CategoryFileIO).
			Context("path", s.path).
			Build()
	}
	defer func() { _ = file.Close() }()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return errors.New(fmt.Errorf("%w: %s is not a valid WAV file", ErrUnsupportedFormat, s.path)).
			Component("myaudio").
			Category(errors.CategoryAudioSource).
			Build()
	}

	divisor, err := getAudioDivisor(s.info.BitDepth)
	if err != nil {
		return err
	}

	channels := s.info.NumChannels
	buf := &audio.IntBuffer{
		Data:   make([]int, frames*channels),
		Format: &audio.Format{SampleRate: s.info.SampleRate, NumChannels: channels},
	}
	out := make([]float32, frames)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return errors.New(fmt.Errorf("decode wav: %w", err)).
				Component("myaudio").
				Category(errors.CategoryAudioSource).
				Context("path", s.path).
				Build()
		}
		if n == 0 {
			return nil
		}

		samples := downmix(buf.Data[:n], channels, divisor, out)
		sink.Write(samples)

		if p != nil {
			if err := p.wait(ctx); err != nil {
				return err
			}
		}
	}
}

func readWAVInfo(file *os.File) (AudioInfo, error) {
	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()

	if !decoder.IsValidFile() {
		return AudioInfo{}, fmt.Errorf("%w: invalid WAV file", ErrUnsupportedFormat)
	}
	if decoder.BitDepth != 16 && decoder.BitDepth != 24 && decoder.BitDepth != 32 {
		return AudioInfo{}, fmt.Errorf("%w: bit depth %d", ErrUnsupportedFormat, decoder.BitDepth)
	}
	if decoder.NumChans < 1 || decoder.NumChans > 2 {
		return AudioInfo{}, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, decoder.NumChans)
	}
	if decoder.SampleRate == 0 {
		return AudioInfo{}, fmt.Errorf("%w: zero sample rate", ErrUnsupportedFormat)
	}

	return AudioInfo{
		SampleRate:  int(decoder.SampleRate),
		NumChannels: int(decoder.NumChans),
		BitDepth:    int(decoder.BitDepth),
	}, nil
}

// getAudioDivisor returns the full-scale value for integer PCM of bitDepth
func getAudioDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, errors.New(fmt.Errorf("%w: bit depth %d", ErrUnsupportedFormat, bitDepth)).
			Component("myaudio").
			Category(errors.CategoryAudioSource).
			Build()
	}
}

// downmix converts interleaved integer PCM to mono float32, reusing out
func downmix(data []int, channels int, divisor float32, out []float32) []float32 {
	frames := len(data) / channels
	out = out[:frames]
	for i := range frames {
		var sum int
		for c := range channels {
			sum += data[i*channels+c]
		}
		out[i] = float32(sum) / float32(channels) / divisor
	}
	return out
}
