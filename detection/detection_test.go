package detection

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"gocv.io/x/gocv"

	"stackcam/config"
)

// row builds one detector output row: cx cy w h obj followed by class scores.
func row(cx, cy, w, h, obj float32, scores ...float32) []float32 {
	return append([]float32{cx, cy, w, h, obj}, scores...)
}

func TestDecodeRowsFiltersMapsAndSuppresses(t *testing.T) {
	labels := []string{"scratch", "dent"}
	var data []float32
	data = append(data, row(0.5, 0.5, 0.2, 0.1, 0.9, 0.9, 0.05)...)  // kept: scratch 0.81
	data = append(data, row(0.5, 0.5, 0.2, 0.1, 0.4, 0.5, 0.0)...)   // below floor
	data = append(data, row(0.51, 0.5, 0.2, 0.1, 0.8, 0.8, 0.0)...)  // suppressed by NMS
	data = append(data, row(0.2, 0.2, 0.1, 0.1, 0.9, 0.05, 0.8)...)  // kept: dent 0.72
	data = append(data, row(0.5, 0.5, 0.001, 0.1, 0.9, 0.9, 0.0)...) // degenerate box

	dets := decodeRows(data, 7, 640, 480, 0.5, labels)
	if len(dets) != 2 {
		t.Fatalf("detections: got %d (%+v), want 2", len(dets), dets)
	}

	if dets[0].Label != "scratch" || math.Abs(dets[0].Confidence-0.81) > 1e-4 {
		t.Errorf("first detection: %+v, want scratch at 0.81", dets[0])
	}
	if want := image.Rect(256, 216, 384, 264); dets[0].Box != want {
		t.Errorf("scratch box: %v, want %v", dets[0].Box, want)
	}

	if dets[1].Label != "dent" || math.Abs(dets[1].Confidence-0.72) > 1e-4 {
		t.Errorf("second detection: %+v, want dent at 0.72", dets[1])
	}
	if want := image.Rect(96, 72, 160, 120); dets[1].Box != want {
		t.Errorf("dent box: %v, want %v", dets[1].Box, want)
	}
}

func TestDecodeRowsEmptyAndMalformed(t *testing.T) {
	if dets := decodeRows(nil, 7, 640, 480, 0.5, nil); dets != nil {
		t.Errorf("nil data: got %v", dets)
	}
	if dets := decodeRows([]float32{1, 2, 3}, 3, 640, 480, 0.5, nil); dets != nil {
		t.Errorf("too few columns: got %v", dets)
	}
}

func TestMapBoxClampsToFrame(t *testing.T) {
	got := mapBox(0.0, 0.5, 0.2, 0.2, 640, 480)
	want := image.Rect(0, 192, 64, 288)
	if got != want {
		t.Errorf("edge box: %v, want %v", got, want)
	}
}

func TestBestPicksHighestConfidence(t *testing.T) {
	if _, ok := Best(nil); ok {
		t.Error("Best of nothing reported ok")
	}
	dets := []Detection{
		{Label: "a", Confidence: 0.4},
		{Label: "b", Confidence: 0.9},
		{Label: "c", Confidence: 0.7},
	}
	best, ok := Best(dets)
	if !ok || best.Label != "b" {
		t.Errorf("Best: %+v", best)
	}
}

func TestPromptROI(t *testing.T) {
	img := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer img.Close()

	if _, err := promptROI(img, image.Rect(200, 200, 240, 240)); err == nil {
		t.Error("prompt outside frame should error")
	}
	if _, err := promptROI(img, image.Rect(10, 10, 11, 11)); err == nil {
		t.Error("degenerate prompt should error")
	}

	roi, err := promptROI(img, image.Rect(0, 0, 160, 120))
	if err != nil {
		t.Fatal(err)
	}
	if roi == image.Rect(0, 0, 160, 120) {
		t.Error("whole-frame prompt must shrink to leave background pixels")
	}
}

func TestGrabCutSegmenterMaskStaysInsidePrompt(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 20, 20, 0), 120, 120, gocv.MatTypeCV8UC3)
	defer img.Close()
	gocv.Rectangle(&img, image.Rect(30, 30, 80, 70), color.RGBA{200, 200, 200, 0}, -1)

	g := &grabCutSegmenter{iterations: 3}
	prompt := image.Rect(25, 25, 85, 75)
	mask, err := g.Segment(img, prompt)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	defer mask.Close()

	if mask.Rows() != img.Rows() || mask.Cols() != img.Cols() {
		t.Fatalf("mask size %dx%d, want frame size", mask.Cols(), mask.Rows())
	}
	total := gocv.CountNonZero(mask)
	if total < 200 {
		t.Errorf("foreground pixels: %d, want a solid region", total)
	}

	region := mask.Region(prompt)
	inside := gocv.CountNonZero(region)
	region.Close()
	if outside := total - inside; outside != 0 {
		t.Errorf("%d foreground pixels leaked outside the prompt", outside)
	}
}

func TestLoadersReportNotResident(t *testing.T) {
	cl := NewCountingLoader(config.Default().Models)
	if err := cl.Unload(); err != nil {
		t.Errorf("unload before load: %v", err)
	}
	frame := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	if _, err := cl.Detect(frame); !errors.Is(err, ErrNotResident) {
		t.Errorf("Detect unloaded: got %v, want ErrNotResident", err)
	}

	dl := NewDefectLoader(config.Default().Models, config.Default().Defect)
	if err := dl.Unload(); err != nil {
		t.Errorf("unload before load: %v", err)
	}
	if _, err := dl.Locate(frame, nil); !errors.Is(err, ErrNotResident) {
		t.Errorf("Locate unloaded: got %v, want ErrNotResident", err)
	}
	if _, err := dl.Segment(frame, image.Rect(0, 0, 10, 10)); !errors.Is(err, ErrNotResident) {
		t.Errorf("Segment unloaded: got %v, want ErrNotResident", err)
	}
}

func TestDefectLoaderFootprint(t *testing.T) {
	models := config.Default().Models
	def := config.Default().Defect

	withSeg := models
	withSeg.Segmenter.Weights = "seg.onnx"
	if got := NewDefectLoader(withSeg, def).MemoryMB(); got != models.Locator.MemoryMB+models.Segmenter.MemoryMB {
		t.Errorf("footprint with segmenter: %d", got)
	}

	withoutSeg := models
	withoutSeg.Segmenter.Weights = ""
	if got := NewDefectLoader(withoutSeg, def).MemoryMB(); got != models.Locator.MemoryMB {
		t.Errorf("footprint without segmenter: %d", got)
	}
}
