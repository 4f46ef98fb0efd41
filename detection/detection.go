// Package detection wraps the OpenCV DNN models behind the capability
// interfaces the counting loop and the defect pipeline consume, and owns
// their load/unload transitions on behalf of the residency arbiter.
package detection

import (
	"image"

	"gocv.io/x/gocv"
)

// Detection is one scored region from a model.
type Detection struct {
	Box        image.Rectangle
	Label      string
	Confidence float64
}

// Detector reports sheet candidates in a live frame.
type Detector interface {
	Detect(frame gocv.Mat) ([]Detection, error)
}

// Locator finds defect candidate regions on a captured image, restricted to
// the requested defect types when any are given.
type Locator interface {
	Locate(img gocv.Mat, types []string) ([]Detection, error)
}

// Segmenter produces a binary mask (CV_8UC1, 0 or 255, full frame size) for
// the prompted region. The caller owns the returned Mat.
type Segmenter interface {
	Segment(img gocv.Mat, prompt image.Rectangle) (gocv.Mat, error)
}

// Best returns the highest-confidence detection.
func Best(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}
