// Package motion classifies scene stability over a region of interest so the
// counting state machine only runs the detector when the stack is worth
// looking at.
package motion

import (
	"image"

	"gocv.io/x/gocv"

	"stackcam/config"
)

// Classification is the verdict for a single observed frame.
type Classification int

const (
	Stable Classification = iota
	Disturbed
)

func (c Classification) String() string {
	if c == Disturbed {
		return "DISTURBED"
	}
	return "STABLE"
}

// Sample is the outcome of observing one frame. Held marks samples where the
// frame was unusable and the previous classification was carried forward.
type Sample struct {
	Classification Classification
	Score          float64
	Held           bool
}

// Gate compares each frame's region of interest against an exponentially
// aged reference image. It is not safe for concurrent use; the capture loop
// owns it.
type Gate struct {
	cfg config.MotionConfig

	ref     gocv.Mat
	gray    gocv.Mat
	blurred gocv.Mat
	diff    gocv.Mat

	primed    bool
	last      Classification
	lastScore float64
}

// NewGate allocates the gate's scratch buffers. Call Close when done.
func NewGate(cfg config.MotionConfig) *Gate {
	return &Gate{
		cfg:     cfg,
		ref:     gocv.NewMat(),
		gray:    gocv.NewMat(),
		blurred: gocv.NewMat(),
		diff:    gocv.NewMat(),
	}
}

// Observe classifies one frame. Unusable frames (failed decode, zero size)
// do not touch the reference; the previous classification is reported with
// Held set so callers can keep their own state machine ticking.
func (g *Gate) Observe(frame gocv.Mat) Sample {
	if !validFrame(frame) {
		return Sample{Classification: g.last, Score: g.lastScore, Held: true}
	}

	roi := frame.Region(g.roiRect(frame.Cols(), frame.Rows()))
	gocv.CvtColor(roi, &g.gray, gocv.ColorBGRToGray)
	roi.Close()

	k := g.cfg.BlurKernel
	gocv.GaussianBlur(g.gray, &g.blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	if !g.primed || g.ref.Rows() != g.blurred.Rows() || g.ref.Cols() != g.blurred.Cols() {
		// First frame, or the stream came back at a different size.
		g.ref.Close()
		g.ref = g.blurred.Clone()
		g.primed = true
		g.last = Stable
		g.lastScore = 0
		return Sample{Classification: Stable, Score: 0}
	}

	gocv.AbsDiff(g.blurred, g.ref, &g.diff)
	score := g.diff.Mean().Val1 / 255.0

	cls := Stable
	if score > g.cfg.Threshold {
		cls = Disturbed
	} else {
		// Age the reference only while the scene is stable so a sheet
		// resting mid-placement is never absorbed into the background.
		a := g.cfg.ReferenceAlpha
		gocv.AddWeighted(g.blurred, a, g.ref, 1-a, 0, &g.ref)
	}

	g.last = cls
	g.lastScore = score
	return Sample{Classification: cls, Score: score}
}

// Reset drops the reference image so the next frame re-primes it. Called
// when a session starts so the new run baselines on the current scene.
func (g *Gate) Reset() {
	g.primed = false
}

// Close releases the gate's Mats.
func (g *Gate) Close() {
	g.ref.Close()
	g.gray.Close()
	g.blurred.Close()
	g.diff.Close()
}

func (g *Gate) roiRect(cols, rows int) image.Rectangle {
	r := g.cfg.ROI
	x0 := int(float64(cols) * r.X)
	y0 := int(float64(rows) * r.Y)
	x1 := x0 + int(float64(cols)*r.W)
	y1 := y0 + int(float64(rows)*r.H)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	rect := image.Rect(x0, y0, x1, y1)
	return rect.Intersect(image.Rect(0, 0, cols, rows))
}

func validFrame(m gocv.Mat) bool {
	return m.Ptr() != nil && m.Rows() > 0 && m.Cols() > 0
}
