package monitor

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	before := testutil.ToFloat64(ImagesTotal.WithLabelValues(StatusFailed))
	ObserveImage(StatusFailed)
	ObserveImage(StatusFailed)
	assert.Equal(t, before+2, testutil.ToFloat64(ImagesTotal.WithLabelValues(StatusFailed)))

	ObserveDetection("cat")
	assert.GreaterOrEqual(t, testutil.ToFloat64(DetectionsTotal.WithLabelValues("cat")), 1.0)
}

func TestRegistry(t *testing.T) {
	ObserveImage(StatusOK)
	InferenceSeconds.Observe(0.01)
	families, err := Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["images_processed_total"])
	assert.True(t, names["inference_duration_seconds"])
}

func TestCheckProcessInfo(t *testing.T) {
	p, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	checkProcessInfo(p)
	assert.Greater(t, testutil.ToFloat64(memUsage), 0.0)
}
