package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"TinyYoloDet/codec"
	iface "TinyYoloDet/interface"
	"TinyYoloDet/logger"
	"TinyYoloDet/monitor"
	"TinyYoloDet/nms"
)

const (
	StageStart     = "start"
	StageValidate  = "validate"
	StageDecode    = "decode"
	StageInference = "inference"
	StageOutput    = "output"
	StageAnnotate  = "annotate"
	StagePanic     = "panic"
)

type Config struct {
	Workers int `yaml:"workers"`
}

// Pipeline runs images through encode, inference, decode, suppression, cropping and
// annotation. All workers share one engine; at most one Run is in flight at a time.
type Pipeline struct {
	engine   iface.Engine
	engineMu sync.Mutex
	workers  int
}

func New(engine iface.Engine, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Pipeline{engine: engine, workers: cfg.Workers}
}

type jobPackage struct {
	index int
	path  string
}

// ProcessAll handles every path on the worker pool and returns one result per path, in
// input order. A failing image only affects its own result.
func (p *Pipeline) ProcessAll(ctx context.Context, paths []string) []iface.Result {
	results := make([]iface.Result, len(paths))
	if len(paths) == 0 {
		return results
	}
	jobQueue := make(chan jobPackage)
	var wg sync.WaitGroup
	for i := 0; i < min(p.workers, len(paths)); i++ {
		wg.Add(1)
		go p.runWorker(ctx, i, jobQueue, results, &wg)
	}
	for i, path := range paths {
		jobQueue <- jobPackage{index: i, path: path}
	}
	close(jobQueue)
	wg.Wait()
	return results
}

func (p *Pipeline) runWorker(ctx context.Context, workerID int, jobQueue <-chan jobPackage, results []iface.Result, wg *sync.WaitGroup) {
	defer wg.Done()
	logger.Named("pipeline").Debug("worker started", zap.Int("worker", workerID))
	for job := range jobQueue {
		results[job.index] = p.safeProcess(ctx, job.path)
	}
}

func (p *Pipeline) safeProcess(ctx context.Context, path string) (res iface.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = iface.Result{ID: uuid.NewString(), Path: path, Name: filepath.Base(path)}
			res.Err = &iface.ProcessingError{Path: path, Stage: StagePanic, Cause: fmt.Errorf("%v", r)}
			logger.Named("pipeline").Error("image processing panicked", zap.String("path", path), zap.Any("panic", r))
			monitor.ObserveImage(monitor.StatusFailed)
		}
	}()
	return p.Process(ctx, path)
}

// Process validates, decodes and detects objects in the image at path.
func (p *Pipeline) Process(ctx context.Context, path string) iface.Result {
	res := iface.Result{ID: uuid.NewString(), Path: path, Name: filepath.Base(path)}
	if err := cancelled(ctx); err != nil {
		return p.fail(res, StageStart, err)
	}
	img, stage, err := Load(path)
	if err != nil {
		return p.fail(res, stage, err)
	}
	return p.detect(ctx, res, img)
}

// ProcessBytes detects objects in an encoded image, such as an upload.
func (p *Pipeline) ProcessBytes(ctx context.Context, name string, data []byte) iface.Result {
	res := iface.Result{ID: uuid.NewString(), Path: name, Name: name}
	if err := cancelled(ctx); err != nil {
		return p.fail(res, StageStart, err)
	}
	img, stage, err := DecodeBytes(data)
	if err != nil {
		return p.fail(res, stage, err)
	}
	return p.detect(ctx, res, img)
}

// ProcessImage detects objects in an already decoded image.
func (p *Pipeline) ProcessImage(ctx context.Context, name string, img image.Image) iface.Result {
	res := iface.Result{ID: uuid.NewString(), Path: name, Name: name}
	if err := cancelled(ctx); err != nil {
		return p.fail(res, StageStart, err)
	}
	if img == nil || img.Bounds().Empty() {
		return p.fail(res, StageValidate, iface.ErrNotAnImage)
	}
	return p.detect(ctx, res, img)
}

func (p *Pipeline) detect(ctx context.Context, res iface.Result, img image.Image) iface.Result {
	res.Source = img
	input, lb := codec.Encode(img)

	if err := cancelled(ctx); err != nil {
		return p.fail(res, StageInference, err)
	}
	output, err := p.infer(ctx, input)
	if err != nil {
		return p.fail(res, StageInference, err)
	}

	candidates, err := codec.Decode(output)
	if err != nil {
		return p.fail(res, StageOutput, fmt.Errorf("%w: %v", iface.ErrInference, err))
	}
	kept := nms.Suppress(candidates)
	detections := make([]iface.Detection, 0, len(kept))
	for _, d := range kept {
		detections = append(detections, lb.ToSource(d))
	}
	res.Detections = detections
	res.Crops = Crop(img, detections)

	if err := cancelled(ctx); err != nil {
		return p.fail(res, StageAnnotate, err)
	}
	annotated, err := Annotate(img, detections)
	if err != nil {
		return p.fail(res, StageAnnotate, err)
	}
	res.Annotated = annotated

	for _, d := range detections {
		monitor.ObserveDetection(codec.Label(d.ClassID))
	}
	monitor.ObserveImage(monitor.StatusOK)
	logger.Named("pipeline").Debug("image processed",
		zap.String("id", res.ID), zap.String("path", res.Path),
		zap.Int("candidates", len(candidates)), zap.Int("detections", len(detections)))
	return res
}

// infer holds the engine exclusively for the duration of one Run. Cancellation is
// checked again once the lock is held, so queued tasks do not start new inference.
func (p *Pipeline) infer(ctx context.Context, input []float32) ([]float32, error) {
	waitStart := time.Now()
	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	monitor.EngineWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	runStart := time.Now()
	output, err := p.engine.Run(ctx, input)
	monitor.InferenceSeconds.Observe(time.Since(runStart).Seconds())
	return output, err
}

func (p *Pipeline) fail(res iface.Result, stage string, err error) iface.Result {
	res.Err = &iface.ProcessingError{Path: res.Path, Stage: stage, Cause: err}
	res.Annotated = nil
	if errors.Is(err, iface.ErrCancelled) {
		monitor.ObserveImage(monitor.StatusCancelled)
		logger.Named("pipeline").Debug("image cancelled", zap.String("path", res.Path), zap.String("stage", stage))
		return res
	}
	monitor.ObserveImage(monitor.StatusFailed)
	logger.Named("pipeline").Warn("image failed", zap.String("path", res.Path), zap.String("stage", stage), zap.Error(err))
	return res
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", iface.ErrCancelled, err)
	}
	return nil
}
