package myaudio

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/statesync/internal/errors"
	"github.com/tphakala/statesync/internal/logger"
)

const (
	restartDelay       = 100 * time.Millisecond
	maxRestartAttempts = 5
)

// DeviceInfo describes a capture device
type DeviceInfo struct {
	Index int
	Name  string
	ID    string
}

// CaptureSource reads 16-bit mono audio from a capture device via miniaudio
type CaptureSource struct {
	device string
	rate   int
	logger logger.Logger
}

// NewCaptureSource returns a source for the device whose name contains, or
// whose decoded id equals, device. An empty device selects the system default.
func NewCaptureSource(device string, sampleRate int, log logger.Logger) *CaptureSource {
	if log == nil {
		log = logger.Global().Module("audio")
	}
	return &CaptureSource{device: device, rate: sampleRate, logger: log}
}

// SampleRate returns the requested capture rate
func (c *CaptureSource) SampleRate() int { return c.rate }

// ListDevices returns the available capture devices
func ListDevices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, captureError(fmt.Errorf("failed to initialize context: %w", err))
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, captureError(fmt.Errorf("failed to get devices: %w", err))
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, DeviceInfo{Index: i, Name: info.Name(), ID: decodeDeviceID(info.ID.String())})
	}
	return devices, nil
}

// Run captures until ctx is cancelled. A device that stops on its own is
// restarted; the samples missed meanwhile are reported as a gap.
func (c *CaptureSource) Run(ctx context.Context, sink SampleSink) error {
	mctx, err := malgo.InitContext(captureBackends(), malgo.ContextConfig{}, func(message string) {
		c.logger.Debug("miniaudio", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return captureError(fmt.Errorf("context init failed: %w", err))
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.rate)
	cfg.Alsa.NoMMap = 1

	name := "default"
	if c.device != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			return captureError(fmt.Errorf("failed to get devices: %w", err))
		}
		info, ok := selectDevice(infos, c.device)
		if !ok {
			return captureError(fmt.Errorf("%w: %s", ErrDeviceNotFound, c.device))
		}
		cfg.Capture.DeviceID = info.ID.Pointer()
		name = info.Name()
	}

	stopped := make(chan struct{}, 1)
	var convert sync.Mutex
	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			convert.Lock()
			scratch = convertS16(input, scratch)
			sink.Write(scratch)
			convert.Unlock()
		},
		Stop: func() {
			select {
			case stopped <- struct{}{}:
			default:
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		return captureError(fmt.Errorf("device init failed: %w", err))
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return captureError(fmt.Errorf("device start failed: %w", err))
	}
	c.logger.Info("capture started",
		logger.String("device", name),
		logger.Int("sample_rate", c.rate))

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			_ = device.Stop()
			c.logger.Info("capture stopped", logger.String("device", name))
			return nil
		case <-stopped:
		}

		if ctx.Err() != nil {
			continue
		}
		attempts++
		if attempts > maxRestartAttempts {
			return captureError(fmt.Errorf("%w: %s after %d restarts", ErrDeviceStopped, name, maxRestartAttempts))
		}

		lostAt := time.Now()
		c.logger.Warn("capture device stopped, restarting",
			logger.String("device", name),
			logger.Int("attempt", attempts))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
		if err := device.Start(); err != nil {
			c.logger.Error("failed to restart capture device", logger.Error(err))
			continue
		}
		sink.Gap(int(time.Since(lostAt).Seconds() * float64(c.rate)))
	}
}

func captureBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

func selectDevice(infos []malgo.DeviceInfo, device string) (malgo.DeviceInfo, bool) {
	for _, info := range infos {
		if decodeDeviceID(info.ID.String()) == device || strings.Contains(info.Name(), device) {
			return info, true
		}
	}
	return malgo.DeviceInfo{}, false
}

// decodeDeviceID turns miniaudio's hex device id into text where possible
func decodeDeviceID(id string) string {
	b, err := hex.DecodeString(id)
	if err != nil {
		return id
	}
	return strings.TrimRight(string(b), "\x00")
}

// convertS16 converts little-endian 16-bit PCM to float32, reusing out
func convertS16(data []byte, out []float32) []float32 {
	n := len(data) / 2
	if cap(out) < n {
		out = make([]float32, n)
	}
	out = out[:n]
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768.0
	}
	return out
}

func captureError(err error) error {
	return errors.New(err).
		Component("myaudio").
		Category(errors.CategoryAudioSource).
		Build()
}
