package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"

	"TinyYoloDet/config"
	"TinyYoloDet/engine"
	iface "TinyYoloDet/interface"
	"TinyYoloDet/logger"
	"TinyYoloDet/monitor"
	"TinyYoloDet/pipeline"
	"TinyYoloDet/provider"
	"TinyYoloDet/report"
	"TinyYoloDet/server"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitCancelled = 130
)

type options struct {
	configPath string
	inputs     []string
	outputDir  string
	serve      bool
	dev        bool
}

func parseArgs(args []string) (options, string, error) {
	parser := argparse.NewParser("TinyYoloDet", "Detect VOC objects in images with Tiny YOLOv2")
	configPath := parser.String("c", "config", &argparse.Options{Help: "Path to YAML config", Default: config.DefaultPath})
	inputs := parser.StringList("i", "input", &argparse.Options{Help: "Image file or directory to scan for *.jpg, repeatable"})
	outputDir := parser.String("o", "output", &argparse.Options{Help: "Directory for annotated images and the CSV report"})
	serve := parser.Flag("", "serve", &argparse.Options{Help: "Run the HTTP detection server instead of a batch"})
	dev := parser.Flag("", "dev", &argparse.Options{Help: "Use the development logger"})
	if err := parser.Parse(args); err != nil {
		return options{}, parser.Usage(err), err
	}
	opts := options{
		configPath: *configPath,
		inputs:     *inputs,
		outputDir:  *outputDir,
		serve:      *serve,
		dev:        *dev,
	}
	if !opts.serve && len(opts.inputs) == 0 {
		err := errors.New("at least one --input is required unless --serve is set")
		return opts, parser.Usage(err), err
	}
	return opts, "", nil
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	opts, usage, err := parseArgs(args)
	if err != nil {
		fmt.Print(usage)
		return exitUsage
	}

	cfg, warnings, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		return exitFailure
	}
	if opts.outputDir != "" {
		cfg.Output.Dir = opts.outputDir
		cfg.Output.CSV = ""
	}
	if opts.dev {
		cfg.Log.Development = true
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Println("Failed to init logger:", err)
		return exitFailure
	}
	defer logger.Sync()
	for _, w := range warnings {
		logger.Log().Warn(w)
	}
	logger.Log().Info("starting",
		zap.Int("cpus", runtime.NumCPU()),
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.String("model", cfg.Model.Path),
		zap.Bool("gpu", cfg.Runtime.UseGPU))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.InitEnvironment(cfg.Runtime); err != nil {
		logger.Log().Error("onnxruntime unavailable", zap.Error(err))
	}
	defer func() {
		if err := engine.DestroyEnvironment(); err != nil {
			logger.Log().Warn("destroy onnxruntime environment", zap.Error(err))
		}
	}()

	detector := engine.New(provider.New(cfg.Model), cfg.Runtime)
	defer detector.Destroy()
	pipe := pipeline.New(detector, cfg.Pipeline)

	if cfg.Monitor.Enabled {
		go func() {
			if err := monitor.StartMon(ctx, cfg.Monitor.Port); err != nil {
				logger.Log().Error("monitor stopped", zap.Error(err))
			}
		}()
	}

	if opts.serve {
		return serve(ctx, cfg, detector, pipe)
	}
	return batch(ctx, cfg, opts.inputs, detector, pipe)
}

func serve(ctx context.Context, cfg config.Config, detector *engine.Detector, pipe *pipeline.Pipeline) int {
	if err := detector.Load(ctx); err != nil {
		logger.Log().Warn("model not loaded yet, requests will retry", zap.Error(err))
	}
	if err := server.New(pipe, detector, cfg.Server).Run(ctx); err != nil {
		logger.Log().Error("http server failed", zap.Error(err))
		return exitFailure
	}
	logger.Log().Info("safely exited")
	return exitOK
}

func batch(ctx context.Context, cfg config.Config, inputs []string, detector *engine.Detector, pipe *pipeline.Pipeline) int {
	scanned, err := report.Scan(inputs)
	if err != nil {
		logger.Log().Error("scan inputs", zap.Error(err))
		return exitFailure
	}
	if len(scanned) == 0 {
		logger.Log().Warn("no images found", zap.Strings("inputs", inputs))
		return exitOK
	}

	if err := detector.Load(ctx); err != nil {
		if errors.Is(err, iface.ErrCancelled) {
			return exitCancelled
		}
		logger.Log().Error("model unavailable", zap.Error(err))
		return exitFailure
	}

	start := time.Now()
	results := pipe.ProcessAll(ctx, report.Paths(scanned))

	writer := report.NewWriter(cfg.Output)
	var collector report.Collector
	var ok, failed, cancelled, detections int
	for i, r := range results {
		r.Name = scanned[i].Name
		switch {
		case errors.Is(r.Err, iface.ErrCancelled):
			cancelled++
			continue
		case errors.Is(r.Err, iface.ErrModelUnavailable):
			logger.Log().Error("model unavailable", zap.Error(r.Err))
			return exitFailure
		case r.Err != nil:
			failed++
			continue
		}
		if _, err := writer.WriteResult(r); err != nil {
			logger.Log().Warn("write result", zap.String("path", r.Path), zap.Error(err))
			failed++
			continue
		}
		collector.AddResult(r.Name, r.Detections)
		detections += len(r.Detections)
		ok++
	}

	if err := writer.WriteCSV(collector.Records()); err != nil {
		logger.Log().Error("write csv", zap.Error(err))
		return exitFailure
	}
	logger.Log().Info("batch finished",
		zap.Int("images", len(scanned)),
		zap.Int("ok", ok),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled),
		zap.Int("detections", detections),
		zap.String("output", writer.Dir()),
		zap.Duration("elapsed", time.Since(start)))
	if cancelled > 0 {
		return exitCancelled
	}
	return exitOK
}
