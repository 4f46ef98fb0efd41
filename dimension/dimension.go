// Package dimension turns segmentation masks into physical sheet
// measurements using the station's mm-per-pixel calibration.
package dimension

import (
	"sort"

	"gocv.io/x/gocv"

	"stackcam/config"
)

// Sheet holds calibrated measurements, long side first.
type Sheet struct {
	LengthMM float64
	WidthMM  float64
	AngleDeg float64
}

// Estimator is stateless: every call derives its ratio from the calibration
// in the config and the caller-supplied stack height.
type Estimator struct {
	cfg config.DimensionConfig
}

func NewEstimator(cfg config.DimensionConfig) *Estimator {
	e := &Estimator{cfg: cfg}
	sort.Slice(e.cfg.Table, func(i, j int) bool {
		return e.cfg.Table[i].StackHeightMM < e.cfg.Table[j].StackHeightMM
	})
	return e
}

// RatioAt returns the mm-per-pixel ratio at the given stack height.
//
// A calibration table wins when present. Otherwise, with a known camera
// height, the ratio is scaled linearly by the remaining camera-to-stack
// distance. With neither, the flat table-level ratio is used; expect a
// 1 to 5 percent error by the time a tall stack has built up.
func (e *Estimator) RatioAt(stackHeightMM float64) float64 {
	base := e.cfg.MMPerPixel
	if len(e.cfg.Table) > 0 {
		return e.interpolate(stackHeightMM)
	}
	if e.cfg.CameraHeightMM > 0 {
		factor := (e.cfg.CameraHeightMM - stackHeightMM) / e.cfg.CameraHeightMM
		if factor < 0.05 {
			factor = 0.05
		}
		if factor > 1 {
			factor = 1
		}
		return base * factor
	}
	return base
}

func (e *Estimator) interpolate(h float64) float64 {
	t := e.cfg.Table
	if h <= t[0].StackHeightMM {
		return t[0].MMPerPixel
	}
	last := t[len(t)-1]
	if h >= last.StackHeightMM {
		return last.MMPerPixel
	}
	for i := 1; i < len(t); i++ {
		if h > t[i].StackHeightMM {
			continue
		}
		lo, hi := t[i-1], t[i]
		span := hi.StackHeightMM - lo.StackHeightMM
		frac := (h - lo.StackHeightMM) / span
		return lo.MMPerPixel + frac*(hi.MMPerPixel-lo.MMPerPixel)
	}
	return last.MMPerPixel
}

// FromRect converts already-measured pixel extents at the given stack height.
func (e *Estimator) FromRect(aPx, bPx, stackHeightMM float64) Sheet {
	ratio := e.RatioAt(stackHeightMM)
	long, short := aPx, bPx
	if short > long {
		long, short = short, long
	}
	return Sheet{LengthMM: long * ratio, WidthMM: short * ratio}
}

// FromMask measures the largest external contour of a binary mask via its
// minimum-area rotated rectangle. Returns false when the mask is empty.
func (e *Estimator) FromMask(mask gocv.Mat, stackHeightMM float64) (Sheet, bool) {
	long, short, angle, ok := MaskExtentPx(mask)
	if !ok {
		return Sheet{}, false
	}
	sheet := e.FromRect(long, short, stackHeightMM)
	sheet.AngleDeg = angle
	return sheet, true
}

// MaskExtentPx returns the pixel extents (long side first) and angle of the
// minimum-area box around the largest external contour of a binary mask.
// Calibration ratios a known reference length against the long side.
func MaskExtentPx(mask gocv.Mat) (longPx, shortPx, angleDeg float64, ok bool) {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return 0, 0, 0, false
	}

	best, bestArea := 0, 0.0
	for i := 0; i < contours.Size(); i++ {
		if a := gocv.ContourArea(contours.At(i)); a > bestArea {
			best, bestArea = i, a
		}
	}
	if bestArea == 0 {
		return 0, 0, 0, false
	}

	rr := gocv.MinAreaRect(contours.At(best))
	longPx, shortPx = float64(rr.Width), float64(rr.Height)
	if shortPx > longPx {
		longPx, shortPx = shortPx, longPx
	}
	return longPx, shortPx, rr.Angle, true
}
