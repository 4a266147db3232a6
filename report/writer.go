package report

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"TinyYoloDet/codec"
	iface "TinyYoloDet/interface"
)

const JPEGQuality = 90

type Config struct {
	Dir       string `yaml:"dir"`
	CSV       string `yaml:"csv"`
	SaveCrops bool   `yaml:"saveCrops"`
}

// Writer persists pipeline results. Every file is written to a temporary sibling and
// renamed into place, so a failed write leaves nothing behind.
type Writer struct {
	cfg Config
}

func NewWriter(cfg Config) *Writer {
	if cfg.Dir == "" {
		cfg.Dir = "result"
	}
	if cfg.CSV == "" {
		cfg.CSV = filepath.Join(cfg.Dir, "bboxes.csv")
	}
	return &Writer{cfg: cfg}
}

func (w *Writer) Dir() string {
	return w.cfg.Dir
}

// WriteResult saves the annotated image and, when enabled, the crops of one result.
// It returns the written paths.
func (w *Writer) WriteResult(r iface.Result) ([]string, error) {
	if r.Annotated == nil {
		return nil, fmt.Errorf("%s: nothing to write", r.Path)
	}
	var written []string
	name := r.Name
	if name == "" {
		name = filepath.Base(r.Path)
	}
	target := filepath.Join(w.cfg.Dir, jpegName(name))
	if err := writeJPEG(target, r.Annotated); err != nil {
		return written, err
	}
	written = append(written, target)

	if !w.cfg.SaveCrops {
		return written, nil
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for i, crop := range r.Crops {
		if crop == nil || i >= len(r.Detections) {
			continue
		}
		cropName := fmt.Sprintf("%s_%02d_%s.jpg", stem, i, codec.Label(r.Detections[i].ClassID))
		target := filepath.Join(w.cfg.Dir, "crops", cropName)
		if err := writeJPEG(target, crop); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}

func (w *Writer) WriteCSV(records []Record) error {
	return writeAtomic(w.cfg.CSV, func(f io.Writer) error {
		return WriteCSV(f, records)
	})
}

func jpegName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".jpg" || ext == ".jpeg" {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}

func writeJPEG(path string, img image.Image) error {
	return writeAtomic(path, func(f io.Writer) error {
		return imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality))
	})
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	err = fill(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmpName, path)
}
