package nms

import (
	"math"

	iface "TinyYoloDet/interface"
)

const IoUThreshold = 0.6

// IoU returns the intersection-over-union of two axis-aligned boxes. Boxes whose union
// has no positive area yield 0.
func IoU(a, b iface.Detection) float64 {
	iw := math.Min(a.XMax, b.XMax) - math.Max(a.XMin, b.XMin)
	ih := math.Min(a.YMax, b.YMax) - math.Max(a.YMin, b.YMin)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Suppress removes same-class boxes that overlap an earlier box by more than
// IoUThreshold, keeping the more confident of each pair at the earlier position.
// No two same-class boxes in the output overlap above the threshold, so a second
// pass changes nothing. It reuses the backing array of candidates.
func Suppress(candidates []iface.Detection) []iface.Detection {
	objects := candidates
	for i := 0; i < len(objects); i++ {
		for j := i + 1; j < len(objects); {
			if objects[i].ClassID != objects[j].ClassID || IoU(objects[i], objects[j]) <= IoUThreshold {
				j++
				continue
			}
			replaced := objects[i].Confidence < objects[j].Confidence
			if replaced {
				objects[i] = objects[j]
			}
			objects = append(objects[:j], objects[j+1:]...)
			if replaced {
				// boxes before j were only compared against the previous occupant
				j = i + 1
			}
		}
	}
	return objects
}
