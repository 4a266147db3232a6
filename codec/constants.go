package codec

const (
	TargetSize          = 416
	GridSize            = 13
	BoxesPerCell        = 5
	BoxFeatureCount     = 5
	ClassCount          = 20
	ChannelsPerBox      = BoxFeatureCount + ClassCount
	ChannelCount        = BoxesPerCell * ChannelsPerBox
	CellSize            = TargetSize / GridSize
	ConfidenceThreshold = 0.5
	InputLen            = 3 * TargetSize * TargetSize
	OutputLen           = ChannelCount * GridSize * GridSize
)

// Anchors holds the (width, height) prior of each box slot, in cell units.
var Anchors = [BoxesPerCell][2]float64{
	{1.08, 1.19},
	{3.42, 4.41},
	{6.63, 11.38},
	{9.42, 5.11},
	{16.62, 10.52},
}

var Labels = [ClassCount]string{
	"aeroplane", "bicycle", "bird", "boat", "bottle",
	"bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person",
	"pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// Label returns the class name for id, or "unknown" when id is out of range.
func Label(id int) string {
	if id < 0 || id >= len(Labels) {
		return "unknown"
	}
	return Labels[id]
}
