package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	iface "TinyYoloDet/interface"
	"TinyYoloDet/logger"
)

const (
	DefaultURL      = "https://storage.yandexcloud.net/dotnet4/tinyyolov2-8.onnx"
	DefaultPath     = "yolomodel.onnx"
	DefaultRetries  = 10
	TimeOutSeconds  = 120
	RetryDelayMs    = 200
	downloadPattern = ".download-*"
)

type Config struct {
	URL     string `yaml:"url"`
	Path    string `yaml:"path"`
	Retries int    `yaml:"retries"`
}

// Provider keeps a model file available at a fixed local path, fetching it from a
// remote URL when it is missing or cannot be opened.
type Provider struct {
	mu      sync.Mutex
	url     string
	path    string
	retries int
	delay   time.Duration
	client  *resty.Client
}

func New(cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	return &Provider{
		url:     cfg.URL,
		path:    cfg.Path,
		retries: cfg.Retries,
		delay:   RetryDelayMs * time.Millisecond,
		client:  resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

func (p *Provider) Path() string {
	return p.path
}

// Ensure returns the local model path once open succeeds on it. A file that fails to
// open is deleted and downloaded again; at most Retries downloads are attempted.
func (p *Provider) Ensure(ctx context.Context, open func(path string) error) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", iface.ErrCancelled, ctx.Err())
		}
		if _, err := os.Stat(p.path); err == nil {
			err = open(p.path)
			if err == nil {
				return p.path, nil
			}
			lastErr = fmt.Errorf("open %s: %w", p.path, err)
			logger.Named("provider").Warn("model file unusable, removing",
				zap.String("path", p.path), zap.Int("attempt", attempt), zap.Error(err))
			if rmErr := os.Remove(p.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return "", fmt.Errorf("%w: remove corrupt model: %v", iface.ErrModelUnavailable, rmErr)
			}
		}

		if attempt == p.retries {
			break
		}
		logger.Named("provider").Info("downloading model",
			zap.String("url", p.url), zap.String("path", p.path), zap.Int("attempt", attempt+1))
		if err := p.download(ctx); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", iface.ErrCancelled, ctx.Err())
			}
			lastErr = err
			logger.Named("provider").Warn("model download failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if !p.sleep(ctx, attempt+1) {
				return "", fmt.Errorf("%w: %v", iface.ErrCancelled, ctx.Err())
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("retry budget exhausted")
	}
	return "", fmt.Errorf("%w after %d downloads: %v", iface.ErrModelUnavailable, p.retries, lastErr)
}

func (p *Provider) sleep(ctx context.Context, attempt int) bool {
	t := time.NewTimer(time.Duration(attempt) * p.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// download streams the model into a temporary sibling file and renames it into place
// only once the whole body has been written.
func (p *Provider) download(ctx context.Context) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(p.url)
	if err != nil {
		return fmt.Errorf("request %s: %w", p.url, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return fmt.Errorf("server returned %s", resp.Status())
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+downloadPattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if n == 0 {
		return errors.New("empty model body")
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("install model: %w", err)
	}
	logger.Named("provider").Info("model downloaded", zap.String("path", p.path), zap.Int64("bytes", n))
	return nil
}
