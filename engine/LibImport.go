package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"TinyYoloDet/codec"
)

type RuntimeConfig struct {
	LibraryPath    string `yaml:"libraryPath"`
	IntraOpThreads int    `yaml:"intraOpThreads"`
	InterOpThreads int    `yaml:"interOpThreads"`
	UseGPU         bool   `yaml:"useGPU"`
	InputName      string `yaml:"inputName"`
	OutputName     string `yaml:"outputName"`
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.InputName == "" {
		c.InputName = "image"
	}
	if c.OutputName == "" {
		c.OutputName = "grid"
	}
	if c.IntraOpThreads <= 0 {
		c.IntraOpThreads = runtime.NumCPU()
	}
	if c.InterOpThreads <= 0 {
		c.InterOpThreads = 1
	}
	return c
}

var envMu sync.Mutex

// InitEnvironment loads the onnxruntime shared library once per process.
func InitEnvironment(cfg RuntimeConfig) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

func DestroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type ortBackend struct {
	cfg RuntimeConfig
}

func (b *ortBackend) Ready() error {
	if !ort.IsInitialized() {
		return errors.New("onnxruntime environment not initialized")
	}
	return nil
}

func (b *ortBackend) Open(path string) (session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(b.cfg.IntraOpThreads); err != nil {
		return nil, err
	}
	if err := options.SetInterOpNumThreads(b.cfg.InterOpThreads); err != nil {
		return nil, err
	}
	if b.cfg.UseGPU {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	inputShape := ort.NewShape(1, 3, codec.TargetSize, codec.TargetSize)
	outputShape := ort.NewShape(1, codec.ChannelCount, codec.GridSize, codec.GridSize)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	s, err := ort.NewAdvancedSession(
		path,
		[]string{b.cfg.InputName},
		[]string{b.cfg.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return &ortSession{session: s, input: inputTensor, output: outputTensor}, nil
}

type ortSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *ortSession) Run(input []float32) ([]float32, error) {
	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	return append([]float32(nil), s.output.GetData()...), nil
}

func (s *ortSession) Destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}
