package iface

import (
	"context"
	"image"
)

// EngineConfig describes a loaded engine for status reporting.
type EngineConfig struct {
	State               string   `json:"state"`
	UseGPU              bool     `json:"useGPU"`
	ModelPath           string   `json:"modelPath"`
	InputName           string   `json:"inputName"`
	OutputName          string   `json:"outputName"`
	Names               []string `json:"names"`
	ConfidenceThreshold float64  `json:"confidenceThreshold"`
	IoUThreshold        float64  `json:"iouThreshold"`
}

// Detection is one bounding box in pixel coordinates. XMin <= XMax and YMin <= YMax.
type Detection struct {
	XMin       float64
	YMin       float64
	XMax       float64
	YMax       float64
	Confidence float64
	ClassID    int
}

func (d Detection) Width() float64 {
	return d.XMax - d.XMin
}

func (d Detection) Height() float64 {
	return d.YMax - d.YMin
}

func (d Detection) Area() float64 {
	return d.Width() * d.Height()
}

// Result is the outcome of running one image through the pipeline.
// Detections are expressed in Source pixel space.
type Result struct {
	ID         string
	Path       string
	Name       string
	Source     image.Image
	Detections []Detection
	Annotated  image.Image
	Crops      []image.Image
	Err        error
}

// Engine runs the network on one input tensor. Implementations are not required to be
// safe for concurrent use; callers serialize Run.
type Engine interface {
	Run(ctx context.Context, input []float32) ([]float32, error)
}
