package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"TinyYoloDet/codec"
	iface "TinyYoloDet/interface"
)

const (
	BoxThickness   = 2
	LabelScale     = 0.5
	LabelThickness = 1
	labelOffset    = 14
)

// gocv converts to BGR on draw, so this is blue on the output image.
var boxColor = color.RGBA{R: 0, G: 0, B: 255, A: 0}

// Load reads the image at path. It returns the stage that failed alongside the error.
func Load(path string) (image.Image, string, error) {
	if path == "" {
		return nil, StageValidate, fmt.Errorf("%w: empty path", iface.ErrInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, StageValidate, fmt.Errorf("%w: %v", iface.ErrInput, err)
	}
	return DecodeBytes(data)
}

// DecodeBytes checks that data holds a known image format before decoding it with
// EXIF orientation applied.
func DecodeBytes(data []byte) (image.Image, string, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, StageValidate, iface.ErrUnknownFormat
		}
		return nil, StageValidate, fmt.Errorf("%w: %v", iface.ErrNotAnImage, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, StageDecode, fmt.Errorf("%w: %v", iface.ErrNotAnImage, err)
	}
	return img, "", nil
}

// ClampRect converts d to an integer rectangle inside bounds. Boxes with nothing left
// after clamping yield an empty rectangle.
func ClampRect(d iface.Detection, bounds image.Rectangle) image.Rectangle {
	x0 := int(math.Max(d.XMin, 0))
	y0 := int(math.Max(d.YMin, 0))
	x1 := int(math.Min(d.XMax, float64(bounds.Dx())))
	y1 := int(math.Min(d.YMax, float64(bounds.Dy())))
	if x1 <= x0 || y1 <= y0 {
		return image.Rectangle{}
	}
	return image.Rect(x0, y0, x1, y1).Add(bounds.Min)
}

// Crop cuts one sub-image per detection. The slice is aligned with dets; entries whose
// box falls outside the image are nil.
func Crop(img image.Image, dets []iface.Detection) []image.Image {
	crops := make([]image.Image, len(dets))
	for i, d := range dets {
		r := ClampRect(d, img.Bounds())
		if r.Empty() {
			continue
		}
		crops[i] = imaging.Crop(img, r)
	}
	return crops
}

// Annotate draws each detection as a box with its class label under the bottom-left
// corner. The source image is left untouched.
func Annotate(img image.Image, dets []iface.Detection) (image.Image, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("image to mat: %w", err)
	}
	defer mat.Close()

	for _, d := range dets {
		r := image.Rect(int(d.XMin), int(d.YMin), int(d.XMax), int(d.YMax))
		gocv.Rectangle(&mat, r, boxColor, BoxThickness)
		gocv.PutText(&mat, codec.Label(d.ClassID), image.Pt(int(d.XMin), int(d.YMax)+labelOffset),
			gocv.FontHersheySimplex, LabelScale, boxColor, LabelThickness)
	}
	out, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("mat to image: %w", err)
	}
	return out, nil
}
