package codec

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	iface "TinyYoloDet/interface"
)

// Letterbox records how a source image was fitted into the square network input.
type Letterbox struct {
	Scale      float64
	PadX, PadY float64
	SrcW, SrcH int
}

// ToSource maps a detection from network input space back to source pixel space.
func (l Letterbox) ToSource(d iface.Detection) iface.Detection {
	if l.Scale <= 0 {
		return d
	}
	d.XMin = (d.XMin - l.PadX) / l.Scale
	d.YMin = (d.YMin - l.PadY) / l.Scale
	d.XMax = (d.XMax - l.PadX) / l.Scale
	d.YMax = (d.YMax - l.PadY) / l.Scale
	return d
}

// Resize fits img into a TargetSize square, keeping the aspect ratio and padding the
// remainder with black.
func Resize(img image.Image) (*image.NRGBA, Letterbox) {
	b := img.Bounds()
	lb := Letterbox{SrcW: b.Dx(), SrcH: b.Dy()}
	canvas := imaging.New(TargetSize, TargetSize, color.NRGBA{0, 0, 0, 255})
	if lb.SrcW == 0 || lb.SrcH == 0 {
		return canvas, lb
	}
	lb.Scale = math.Min(float64(TargetSize)/float64(lb.SrcW), float64(TargetSize)/float64(lb.SrcH))
	w := max(1, int(math.Round(float64(lb.SrcW)*lb.Scale)))
	h := max(1, int(math.Round(float64(lb.SrcH)*lb.Scale)))
	resized := imaging.Resize(img, w, h, imaging.CatmullRom)
	x := (TargetSize - w) / 2
	y := (TargetSize - h) / 2
	lb.PadX = float64(x)
	lb.PadY = float64(y)
	return imaging.Paste(canvas, resized, image.Pt(x, y)), lb
}

// Encode letterboxes img and writes it as channel-planar RGB floats in [0,255],
// laid out as (1, 3, TargetSize, TargetSize).
func Encode(img image.Image) ([]float32, Letterbox) {
	boxed, lb := Resize(img)
	data := make([]float32, InputLen)
	fill(data, boxed)
	return data, lb
}

func fill(dst []float32, pic *image.NRGBA) {
	plane := TargetSize * TargetSize
	for y := 0; y < TargetSize; y++ {
		row := pic.Pix[y*pic.Stride:]
		offset := y * TargetSize
		for x := 0; x < TargetSize; x++ {
			i := offset + x
			p := row[x*4:]
			dst[i] = float32(p[0])
			dst[plane+i] = float32(p[1])
			dst[2*plane+i] = float32(p[2])
		}
	}
}
