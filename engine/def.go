package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"TinyYoloDet/codec"
	iface "TinyYoloDet/interface"
	"TinyYoloDet/logger"
	"TinyYoloDet/nms"
	"TinyYoloDet/provider"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004
const ERROR = 0x0005

// session is one loaded network. It is never used by two goroutines at once.
type session interface {
	Run(input []float32) ([]float32, error)
	Destroy()
}

type backend interface {
	Ready() error
	Open(path string) (session, error)
}

// Detector owns a lazily loaded inference session. Run calls are serialized.
type Detector struct {
	mu           sync.Mutex
	ModelPath    string
	UseGPU       bool
	State        int
	ErrorMessage string
	runtime      RuntimeConfig
	provider     *provider.Provider
	backend      backend
	sess         session
}

func New(p *provider.Provider, rt RuntimeConfig) *Detector {
	return newDetector(p, rt, &ortBackend{cfg: rt.withDefaults()})
}

func newDetector(p *provider.Provider, rt RuntimeConfig, b backend) *Detector {
	return &Detector{
		UseGPU:   rt.UseGPU,
		State:    REGISTERED,
		runtime:  rt.withDefaults(),
		provider: p,
		backend:  b,
	}
}

// CheckConfig reports the engine's runtime settings and current state.
func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return iface.EngineConfig{
		State:               StateName(d.State),
		UseGPU:              d.UseGPU,
		ModelPath:           d.ModelPath,
		InputName:           d.runtime.InputName,
		OutputName:          d.runtime.OutputName,
		Names:               codec.Labels[:],
		ConfidenceThreshold: codec.ConfidenceThreshold,
		IoUThreshold:        nms.IoUThreshold,
	}
}

func StateName(state int) string {
	switch state {
	case UNREGISTERED:
		return "unregistered"
	case REGISTERED:
		return "registered"
	case IDLE:
		return "idle"
	case BUSY:
		return "busy"
	case ERROR:
		return "error"
	}
	return "unknown"
}

// Load makes sure the session exists, downloading the model if needed.
func (d *Detector) Load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked(ctx)
}

// Reload drops the current session and loads the model again.
func (d *Detector) Reload(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyLocked()
	return d.loadLocked(ctx)
}

func (d *Detector) loadLocked(ctx context.Context) error {
	if d.sess != nil {
		return nil
	}
	if err := d.backend.Ready(); err != nil {
		d.State = ERROR
		d.ErrorMessage = err.Error()
		return fmt.Errorf("%w: %v", iface.ErrModelUnavailable, err)
	}
	path, err := d.provider.Ensure(ctx, func(path string) error {
		s, err := d.backend.Open(path)
		if err != nil {
			return err
		}
		d.sess = s
		return nil
	})
	if err != nil {
		d.State = ERROR
		d.ErrorMessage = err.Error()
		return err
	}
	d.ModelPath = path
	d.State = IDLE
	d.ErrorMessage = ""
	logger.Named("engine").Info("model loaded", zap.String("path", path), zap.Bool("gpu", d.UseGPU))
	return nil
}

// Run executes the network on one (1, 3, 416, 416) tensor and returns a copy of the
// (1, 125, 13, 13) output.
func (d *Detector) Run(ctx context.Context, input []float32) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.loadLocked(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", iface.ErrCancelled, err)
	}
	if len(input) != codec.InputLen {
		return nil, fmt.Errorf("%w: input length %d, want %d", iface.ErrInference, len(input), codec.InputLen)
	}
	d.State = BUSY
	out, err := d.sess.Run(input)
	d.State = IDLE
	if err != nil {
		return nil, fmt.Errorf("%w: %v", iface.ErrInference, err)
	}
	if len(out) != codec.OutputLen {
		return nil, fmt.Errorf("%w: output length %d, want %d", iface.ErrInference, len(out), codec.OutputLen)
	}
	return out, nil
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyLocked()
	d.ModelPath = ""
	d.ErrorMessage = ""
	d.State = UNREGISTERED
}

func (d *Detector) destroyLocked() {
	if d.sess != nil {
		d.sess.Destroy()
		d.sess = nil
	}
	d.State = REGISTERED
}
