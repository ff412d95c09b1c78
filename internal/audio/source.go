// Package audio acquires a broadcast audio source behind one capability
// interface and samples its level on a fixed cadence. The actual capture
// binding (console-reported device levels, ingest mount meters) sits behind
// the Driver interface.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Method identifies how the audio source is captured.
type Method string

const (
	// MethodSystem captures the operator console's system audio.
	MethodSystem Method = "system"
	// MethodDevice captures an external hardware device (mixer, interface).
	MethodDevice Method = "device"
	// MethodIngress takes levels from a network ingest mount.
	MethodIngress Method = "ingress"
)

// Acquisition-time errors; user-recoverable by retrying acquisition.
var (
	ErrPermissionDenied = errors.New("audio: capture permission denied")
	ErrDeviceNotFound   = errors.New("audio: device not found")
	ErrNoAudioTrack     = errors.New("audio: no audio track")
)

// ErrDeviceLost is returned by Capture.ReadLevel when the underlying device
// or ingest mount disappears after acquisition.
var ErrDeviceLost = errors.New("audio: device lost")

// Params carries method-specific acquisition parameters.
type Params struct {
	DeviceID  string // device method: hardware identifier
	Label     string // human-readable source label
	MountName string // ingress method: ingest mount
}

// Sample is one amplitude reading in [0,1].
type Sample struct {
	Amplitude float64   `json:"amplitude"`
	At        time.Time `json:"at"`
}

// Capture is the acquired binding a Source samples from.
type Capture interface {
	// ReadLevel returns the current amplitude in [0,1]. Returns ErrDeviceLost
	// when the device or mount has gone away.
	ReadLevel(ctx context.Context) (float64, error)
	// Close stops the underlying capture so any OS-level indicator turns off.
	Close() error
}

// Driver opens a Capture for a method. Implementations map their own failure
// modes onto ErrPermissionDenied / ErrDeviceNotFound / ErrNoAudioTrack.
type Driver interface {
	Open(ctx context.Context, method Method, params Params) (Capture, error)
}

// State is a point-in-time snapshot of a source, safe to hand to callers.
// Terminal marks a failure the sampler cannot recover from; a plain device
// loss is not terminal because the hardware may come back.
type State struct {
	Method    Method  `json:"method"`
	Label     string  `json:"label"`
	Amplitude float64 `json:"amplitude"`
	Connected bool    `json:"connected"`
	LastError string  `json:"last_error,omitempty"`
	Terminal  bool    `json:"-"`
}

// Source is an acquired audio source with a running amplitude sampler.
type Source struct {
	method  Method
	label   string
	capture Capture
	logger  *zap.Logger

	mu        sync.RWMutex
	amplitude float64
	connected bool
	lastErr   error
	terminal  bool

	samples chan Sample
	cancel  context.CancelFunc
	done    chan struct{}
	release sync.Once
}

// Acquire opens a capture via the driver and starts sampling at sampleHz.
// The returned source must be released on every exit path.
func Acquire(ctx context.Context, driver Driver, method Method, params Params, sampleHz int, logger *zap.Logger) (*Source, error) {
	if sampleHz <= 0 {
		sampleHz = 20
	}
	capture, err := driver.Open(ctx, method, params)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Source{
		method:    method,
		label:     params.Label,
		capture:   capture,
		logger:    logger,
		connected: true,
		samples:   make(chan Sample, 64),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.sampleLoop(loopCtx, time.Second/time.Duration(sampleHz))
	return s, nil
}

func (s *Source) sampleLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		level, err := s.capture.ReadLevel(ctx)
		s.mu.Lock()
		switch {
		case err == nil:
			// A reconnected device resumes delivering levels; clear the loss.
			if !s.connected {
				s.logger.Info("audio source reconnected", zap.String("label", s.label))
			}
			s.amplitude = level
			s.connected = true
			s.lastErr = nil
			s.terminal = false
		case errors.Is(err, ErrDeviceLost):
			if s.connected {
				s.logger.Warn("audio source lost", zap.String("label", s.label))
			}
			s.amplitude = 0
			s.connected = false
			s.lastErr = err
		case errors.Is(err, context.Canceled):
			s.mu.Unlock()
			return
		default:
			s.amplitude = 0
			s.connected = false
			s.lastErr = err
			s.terminal = true
		}
		sample := Sample{Amplitude: s.amplitude, At: time.Now()}
		s.mu.Unlock()

		select {
		case s.samples <- sample:
		default:
			// consumer behind, drop the oldest reading
			select {
			case <-s.samples:
			default:
			}
			select {
			case s.samples <- sample:
			default:
			}
		}
	}
}

// Samples returns the amplitude feed. Closed after Release.
func (s *Source) Samples() <-chan Sample { return s.samples }

// State returns a snapshot of the source.
func (s *Source) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		Method:    s.method,
		Label:     s.label,
		Amplitude: s.amplitude,
		Connected: s.connected,
		Terminal:  s.terminal,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Method returns the capture method.
func (s *Source) Method() Method { return s.method }

// Label returns the human-readable source label.
func (s *Source) Label() string { return s.label }

// Release stops sampling and closes the underlying capture. Idempotent.
func (s *Source) Release() {
	s.release.Do(func() {
		s.cancel()
		<-s.done
		if err := s.capture.Close(); err != nil {
			s.logger.Warn("close capture", zap.Error(err))
		}
		close(s.samples)
	})
}
