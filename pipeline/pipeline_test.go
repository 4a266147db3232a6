package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TinyYoloDet/codec"
	iface "TinyYoloDet/interface"
)

// personGrid returns a network output with a single confident "person" in cell (6, 6),
// box slot 0: center (208, 208), size 34.56 x 38.08 in input space.
func personGrid() []float32 {
	out := make([]float32, codec.OutputLen)
	plane := codec.GridSize * codec.GridSize
	cell := 6*codec.GridSize + 6
	out[4*plane+cell] = 2
	out[(codec.BoxFeatureCount+14)*plane+cell] = 5
	return out
}

type fakeEngine struct {
	mu        sync.Mutex
	calls     int
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	onCall    func(call int) error
	panicOn   int
}

func (e *fakeEngine) Run(_ context.Context, input []float32) ([]float32, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		m := e.maxFlight.Load()
		if n <= m || e.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()

	if e.panicOn == call {
		panic("tensor shape mismatch")
	}
	if e.onCall != nil {
		if err := e.onCall(call); err != nil {
			return nil, err
		}
	}
	if len(input) != codec.InputLen {
		return nil, errors.New("bad input")
	}
	return personGrid(), nil
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func writeImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(imaging.New(w, h, color.NRGBA{200, 120, 40, 255}), path))
	return path
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestProcess_MapsToSource(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "wide.jpg", 832, 416)

	p := New(&fakeEngine{}, Config{Workers: 1})
	res := p.Process(context.Background(), path)

	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "wide.jpg", res.Name)
	require.Len(t, res.Detections, 1)
	d := res.Detections[0]
	assert.Equal(t, 14, d.ClassID)
	assert.Equal(t, "person", codec.Label(d.ClassID))
	assert.InDelta(t, 381.44, d.XMin, 1e-3)
	assert.InDelta(t, 450.56, d.XMax, 1e-3)
	assert.InDelta(t, 169.92, d.YMin, 1e-3)
	assert.InDelta(t, 246.08, d.YMax, 1e-3)

	require.Len(t, res.Crops, 1)
	require.NotNil(t, res.Crops[0])
	assert.Equal(t, 69, res.Crops[0].Bounds().Dx())
	assert.Equal(t, 77, res.Crops[0].Bounds().Dy())

	require.NotNil(t, res.Annotated)
	assert.Equal(t, image.Rect(0, 0, 832, 416), res.Annotated.Bounds())
}

func TestProcessAll_OrderAndIsolation(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeImage(t, dir, "a.jpg", 416, 416),
		writeFile(t, dir, "notes.jpg", []byte("hello, not a picture")),
		writeImage(t, dir, "b.png", 300, 200),
		filepath.Join(dir, "missing.jpg"),
		writeFile(t, dir, "broken.jpg", []byte{0xff, 0xd8}),
		writeImage(t, dir, "c.jpg", 100, 500),
	}

	eng := &fakeEngine{}
	p := New(eng, Config{Workers: 4})
	results := p.ProcessAll(context.Background(), paths)

	require.Len(t, results, len(paths))
	for i, r := range results {
		assert.Equal(t, paths[i], r.Path)
	}
	for _, i := range []int{0, 2, 5} {
		assert.NoError(t, results[i].Err, paths[i])
		assert.Len(t, results[i].Detections, 1)
	}
	assert.ErrorIs(t, results[1].Err, iface.ErrUnknownFormat)
	assert.ErrorIs(t, results[3].Err, iface.ErrInput)
	assert.ErrorIs(t, results[4].Err, iface.ErrNotAnImage)
	assert.NotErrorIs(t, results[4].Err, iface.ErrUnknownFormat)
	for _, i := range []int{1, 3, 4} {
		var pe *iface.ProcessingError
		require.ErrorAs(t, results[i].Err, &pe)
		assert.Equal(t, StageValidate, pe.Stage)
		assert.Empty(t, results[i].Detections)
	}

	assert.Equal(t, 3, eng.Calls())
	assert.EqualValues(t, 1, eng.maxFlight.Load())
}

func TestProcessAll_EngineSerialized(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg", "4.jpg", "5.jpg", "6.jpg", "7.jpg", "8.jpg"} {
		paths = append(paths, writeImage(t, dir, name, 64, 48))
	}

	eng := &fakeEngine{}
	results := New(eng, Config{Workers: 8}).ProcessAll(context.Background(), paths)

	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, len(paths), eng.Calls())
	assert.EqualValues(t, 1, eng.maxFlight.Load())
}

func TestProcessAll_CancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeImage(t, dir, "a.jpg", 50, 50), writeImage(t, dir, "b.jpg", 50, 50)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := &fakeEngine{}
	results := New(eng, Config{Workers: 2}).ProcessAll(ctx, paths)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, iface.ErrCancelled)
		assert.Empty(t, r.Detections)
		assert.Nil(t, r.Annotated)
	}
	assert.Zero(t, eng.Calls())
}

func TestProcessAll_CancelledMidway(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeImage(t, dir, "a.jpg", 50, 50),
		writeImage(t, dir, "b.jpg", 50, 50),
		writeImage(t, dir, "c.jpg", 50, 50),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := &fakeEngine{onCall: func(call int) error {
		if call == 2 {
			cancel()
		}
		return nil
	}}
	results := New(eng, Config{Workers: 1}).ProcessAll(ctx, paths)

	require.NoError(t, results[0].Err)
	assert.Len(t, results[0].Detections, 1)
	assert.NotNil(t, results[0].Annotated)

	var pe *iface.ProcessingError
	require.ErrorAs(t, results[1].Err, &pe)
	assert.Equal(t, StageAnnotate, pe.Stage)
	assert.ErrorIs(t, results[1].Err, iface.ErrCancelled)
	assert.Nil(t, results[1].Annotated)

	require.ErrorAs(t, results[2].Err, &pe)
	assert.Equal(t, StageStart, pe.Stage)
	assert.ErrorIs(t, results[2].Err, iface.ErrCancelled)
	assert.Equal(t, 2, eng.Calls())
}

func TestProcessAll_CancelStopsQueuedInference(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg"} {
		paths = append(paths, writeImage(t, dir, name, 50, 50))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := &fakeEngine{onCall: func(call int) error {
		if call == 1 {
			// hold the engine while the other workers queue on it
			time.Sleep(100 * time.Millisecond)
			cancel()
		}
		return nil
	}}
	results := New(eng, Config{Workers: 4}).ProcessAll(ctx, paths)

	assert.Equal(t, 1, eng.Calls())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, iface.ErrCancelled, r.Path)
		assert.Nil(t, r.Annotated)
	}
	stages := map[string]int{}
	for _, r := range results {
		var pe *iface.ProcessingError
		require.ErrorAs(t, r.Err, &pe)
		stages[pe.Stage]++
	}
	assert.Equal(t, 1, stages[StageAnnotate])
	assert.Equal(t, 3, stages[StageInference]+stages[StageStart])
}

func TestProcessAll_EngineFailure(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeImage(t, dir, "a.jpg", 50, 50),
		writeImage(t, dir, "b.jpg", 50, 50),
		writeImage(t, dir, "c.jpg", 50, 50),
	}
	eng := &fakeEngine{onCall: func(call int) error {
		if call == 2 {
			return iface.ErrInference
		}
		return nil
	}}
	results := New(eng, Config{Workers: 1}).ProcessAll(context.Background(), paths)

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, iface.ErrInference)
	assert.NoError(t, results[2].Err)
}

func TestProcessAll_RecoversPanic(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeImage(t, dir, "a.jpg", 50, 50), writeImage(t, dir, "b.jpg", 50, 50)}

	eng := &fakeEngine{panicOn: 1}
	results := New(eng, Config{Workers: 1}).ProcessAll(context.Background(), paths)

	var pe *iface.ProcessingError
	require.ErrorAs(t, results[0].Err, &pe)
	assert.Equal(t, StagePanic, pe.Stage)
	assert.Contains(t, pe.Error(), "tensor shape mismatch")
	assert.NoError(t, results[1].Err)
}

func TestProcessAll_Empty(t *testing.T) {
	assert.Empty(t, New(&fakeEngine{}, Config{}).ProcessAll(context.Background(), nil))
}

func TestProcessImage(t *testing.T) {
	p := New(&fakeEngine{}, Config{Workers: 1})

	res := p.ProcessImage(context.Background(), "upload.png", imaging.New(416, 416, color.NRGBA{0, 0, 0, 255}))
	require.NoError(t, res.Err)
	require.Len(t, res.Detections, 1)
	assert.InDelta(t, 208-17.28, res.Detections[0].XMin, 1e-3)

	res = p.ProcessImage(context.Background(), "empty.png", image.NewNRGBA(image.Rectangle{}))
	assert.ErrorIs(t, res.Err, iface.ErrNotAnImage)
}

func TestNew_DefaultWorkers(t *testing.T) {
	p := New(&fakeEngine{}, Config{Workers: -3})
	assert.Positive(t, p.workers)
}

func TestClampRect(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 80)
	cases := []struct {
		name string
		d    iface.Detection
		want image.Rectangle
	}{
		{"inside", iface.Detection{XMin: 10.7, YMin: 20.2, XMax: 30.9, YMax: 40.1}, image.Rect(10, 20, 30, 40)},
		{"overhang", iface.Detection{XMin: -15, YMin: -3, XMax: 120, YMax: 95}, image.Rect(0, 0, 100, 80)},
		{"outside", iface.Detection{XMin: 150, YMin: 10, XMax: 190, YMax: 20}, image.Rectangle{}},
		{"sliver", iface.Detection{XMin: 5.2, YMin: 5, XMax: 5.8, YMax: 9}, image.Rectangle{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClampRect(tc.d, bounds))
		})
	}
}

func TestCrop_AlignedWithDetections(t *testing.T) {
	img := imaging.New(100, 80, color.NRGBA{255, 255, 255, 255})
	dets := []iface.Detection{
		{XMin: -10, YMin: -10, XMax: 20, YMax: 30},
		{XMin: 200, YMin: 200, XMax: 250, YMax: 250},
		{XMin: 90, YMin: 70, XMax: 130, YMax: 130},
	}
	crops := Crop(img, dets)
	require.Len(t, crops, 3)
	assert.Equal(t, image.Rect(0, 0, 20, 30), crops[0].Bounds())
	assert.Nil(t, crops[1])
	assert.Equal(t, image.Rect(0, 0, 10, 10), crops[2].Bounds())
}

func TestAnnotate_LeavesSourceUntouched(t *testing.T) {
	img := imaging.New(120, 90, color.NRGBA{255, 255, 255, 255})
	out, err := Annotate(img, []iface.Detection{{XMin: 10, YMin: 10, XMax: 60, YMax: 50, ClassID: 11}})
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), out.Bounds())
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, img.NRGBAAt(10, 10))

	r, g, b, _ := out.At(10, 10).RGBA()
	assert.NotEqual(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b})
	r, g, b, _ = out.At(100, 5).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b})
}

func TestProcessBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(200, 100, color.NRGBA{10, 20, 30, 255}), imaging.PNG))

	p := New(&fakeEngine{}, Config{Workers: 1})
	res := p.ProcessBytes(context.Background(), "upload.png", buf.Bytes())
	require.NoError(t, res.Err)
	assert.Len(t, res.Detections, 1)
	assert.Equal(t, image.Rect(0, 0, 200, 100), res.Source.Bounds())

	res = p.ProcessBytes(context.Background(), "upload.txt", []byte("plain text"))
	assert.ErrorIs(t, res.Err, iface.ErrUnknownFormat)
}
