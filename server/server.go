package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"TinyYoloDet/codec"
	iface "TinyYoloDet/interface"
	"TinyYoloDet/logger"
	"TinyYoloDet/pipeline"
	"TinyYoloDet/report"
)

const (
	DefaultPort        = 8080
	DefaultMaxUploadMB = 20
	requestIDKey       = "requestID"
	shutdownTimeout    = 5 * time.Second
)

type Config struct {
	Port        int   `yaml:"port"`
	MaxUploadMB int64 `yaml:"maxUploadMB"`
}

// Model is the engine as seen by the HTTP front end.
type Model interface {
	Load(ctx context.Context) error
	Reload(ctx context.Context) error
	CheckConfig() iface.EngineConfig
}

type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	model    Model
	router   *gin.Engine
}

type detectionJSON struct {
	Class      string  `json:"class"`
	ClassID    int     `json:"classId"`
	Confidence float64 `json:"confidence"`
	XMin       float64 `json:"xMin"`
	YMin       float64 `json:"yMin"`
	XMax       float64 `json:"xMax"`
	YMax       float64 `json:"yMax"`
}

func New(p *pipeline.Pipeline, model Model, cfg Config) *Server {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = DefaultMaxUploadMB
	}
	s := &Server{cfg: cfg, pipeline: p, model: model}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog())
	r.MaxMultipartMemory = cfg.MaxUploadMB << 20
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/labels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": codec.Labels[:]})
	})
	r.GET("/api/config", s.checkConfig)
	r.POST("/api/model/reload", s.reload)
	r.POST("/api/detect", s.detect)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Named("server").Info("http server listening", zap.Int("port", s.cfg.Port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) detect(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.GetString(requestIDKey)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.uploadLimit())
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"id": id, "error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"id": id, "error": "File upload failed: " + err.Error()})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": id, "error": err.Error()})
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": id, "error": err.Error()})
		return
	}

	if s.model != nil {
		if err := s.model.Load(ctx); err != nil {
			c.JSON(statusFor(err), gin.H{"id": id, "error": err.Error()})
			return
		}
	}

	res := s.pipeline.ProcessBytes(ctx, file.Filename, data)
	if res.Err != nil {
		c.JSON(statusFor(res.Err), gin.H{"id": id, "file": file.Filename, "error": res.Err.Error()})
		return
	}

	detections := make([]detectionJSON, 0, len(res.Detections))
	for _, d := range res.Detections {
		detections = append(detections, detectionJSON{
			Class:      codec.Label(d.ClassID),
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			XMin:       d.XMin,
			YMin:       d.YMin,
			XMax:       d.XMax,
			YMax:       d.YMax,
		})
	}
	body := gin.H{"id": id, "file": file.Filename, "detections": detections}

	if c.Query("annotate") == "true" {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, res.Annotated, imaging.JPEG, imaging.JPEGQuality(report.JPEGQuality)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"id": id, "error": err.Error()})
			return
		}
		body["annotated"] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	c.JSON(http.StatusOK, body)
}

// uploadLimit bounds the whole request body; the extra megabyte leaves room for the
// multipart framing around a file of MaxUploadMB.
func (s *Server) uploadLimit() int64 {
	return (s.cfg.MaxUploadMB + 1) << 20
}

func (s *Server) checkConfig(c *gin.Context) {
	if s.model == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.model.CheckConfig()})
}

func (s *Server) reload(c *gin.Context) {
	if s.model == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model configured"})
		return
	}
	if err := s.model.Reload(c.Request.Context()); err != nil {
		logger.Named("server").Error("model reload failed", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.model.CheckConfig()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, iface.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, iface.ErrModelUnavailable), errors.Is(err, iface.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Named("server").Info("http request",
			zap.String("id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
