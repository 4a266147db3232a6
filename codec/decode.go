package codec

import (
	"fmt"
	"math"

	iface "TinyYoloDet/interface"
)

// Decode turns the (1, 125, 13, 13) grid output into candidate detections in network
// input space. Candidates follow grid order: row, then column, then box slot.
func Decode(output []float32) ([]iface.Detection, error) {
	if len(output) != OutputLen {
		return nil, fmt.Errorf("unexpected output length %d, want %d", len(output), OutputLen)
	}
	plane := GridSize * GridSize
	at := func(channel, row, col int) float64 {
		return float64(output[channel*plane+row*GridSize+col])
	}

	var detections []iface.Detection
	logits := make([]float64, ClassCount)
	for row := 0; row < GridSize; row++ {
		for col := 0; col < GridSize; col++ {
			for box := 0; box < BoxesPerCell; box++ {
				base := box * ChannelsPerBox
				conf := Sigmoid(at(base+4, row, col))
				if conf <= ConfidenceThreshold {
					continue
				}
				cx := (float64(col) + Sigmoid(at(base, row, col))) * CellSize
				cy := (float64(row) + Sigmoid(at(base+1, row, col))) * CellSize
				w := math.Exp(at(base+2, row, col)) * Anchors[box][0] * CellSize
				h := math.Exp(at(base+3, row, col)) * Anchors[box][1] * CellSize

				for c := 0; c < ClassCount; c++ {
					logits[c] = at(base+BoxFeatureCount+c, row, col)
				}
				detections = append(detections, iface.Detection{
					XMin:       cx - w/2,
					YMin:       cy - h/2,
					XMax:       cx + w/2,
					YMax:       cy + h/2,
					Confidence: conf,
					ClassID:    ArgMax(Softmax(logits)),
				})
			}
		}
	}
	return detections, nil
}
