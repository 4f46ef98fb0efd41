package motion

import (
	"image"
	"image/color"
	"testing"

	"gocv.io/x/gocv"

	"stackcam/config"
)

func testCfg() config.MotionConfig {
	return config.MotionConfig{
		Threshold:      0.10,
		ROI:            config.FractionalRect{X: 0, Y: 0, W: 1, H: 1},
		ReferenceAlpha: 0.05,
		BlurKernel:     5,
	}
}

func uniformFrame(v float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), 120, 160, gocv.MatTypeCV8UC3)
}

func TestFirstFramePrimesStable(t *testing.T) {
	g := NewGate(testCfg())
	defer g.Close()
	frame := uniformFrame(0)
	defer frame.Close()

	s := g.Observe(frame)
	if s.Classification != Stable || s.Score != 0 || s.Held {
		t.Errorf("priming frame: got %+v", s)
	}
}

func TestStaticSceneStaysStable(t *testing.T) {
	g := NewGate(testCfg())
	defer g.Close()
	a := uniformFrame(40)
	b := uniformFrame(40)
	defer a.Close()
	defer b.Close()

	g.Observe(a)
	s := g.Observe(b)
	if s.Classification != Stable {
		t.Errorf("static scene classified %v (score %.4f)", s.Classification, s.Score)
	}
	if s.Score > 0.01 {
		t.Errorf("static scene score %.4f, want near zero", s.Score)
	}
}

func TestLargeChangeDisturbed(t *testing.T) {
	g := NewGate(testCfg())
	defer g.Close()
	black := uniformFrame(0)
	white := uniformFrame(255)
	defer black.Close()
	defer white.Close()

	g.Observe(black)
	s := g.Observe(white)
	if s.Classification != Disturbed {
		t.Errorf("full-frame change classified %v (score %.4f)", s.Classification, s.Score)
	}
	if s.Score < 0.5 {
		t.Errorf("full-frame change score %.4f, want large", s.Score)
	}
}

func TestReferenceAgesWhileStable(t *testing.T) {
	g := NewGate(testCfg())
	defer g.Close()
	black := uniformFrame(0)
	dim := uniformFrame(20)
	defer black.Close()
	defer dim.Close()

	g.Observe(black)
	s1 := g.Observe(dim)
	if s1.Classification != Stable {
		t.Fatalf("sub-threshold change classified %v (score %.4f)", s1.Classification, s1.Score)
	}
	s2 := g.Observe(dim)
	if s2.Score >= s1.Score {
		t.Errorf("reference did not age: score %.4f then %.4f", s1.Score, s2.Score)
	}
}

func TestDisturbanceOutsideRoiIgnored(t *testing.T) {
	cfg := testCfg()
	cfg.ROI = config.FractionalRect{X: 0, Y: 0, W: 0.5, H: 1}
	g := NewGate(cfg)
	defer g.Close()

	base := uniformFrame(0)
	defer base.Close()
	g.Observe(base)

	white := color.RGBA{255, 255, 255, 0}

	outside := uniformFrame(0)
	defer outside.Close()
	gocv.Rectangle(&outside, image.Rect(80, 0, 160, 120), white, -1)
	if s := g.Observe(outside); s.Classification != Stable {
		t.Errorf("change outside ROI classified %v (score %.4f)", s.Classification, s.Score)
	}

	inside := uniformFrame(0)
	defer inside.Close()
	gocv.Rectangle(&inside, image.Rect(0, 0, 40, 120), white, -1)
	if s := g.Observe(inside); s.Classification != Disturbed {
		t.Errorf("change inside ROI classified %v (score %.4f)", s.Classification, s.Score)
	}
}

func TestInvalidFrameHoldsClassification(t *testing.T) {
	g := NewGate(testCfg())
	defer g.Close()
	black := uniformFrame(0)
	white := uniformFrame(255)
	defer black.Close()
	defer white.Close()

	g.Observe(black)
	before := g.Observe(white)

	empty := gocv.NewMat()
	defer empty.Close()
	s := g.Observe(empty)
	if !s.Held {
		t.Error("unusable frame should be held")
	}
	if s.Classification != before.Classification || s.Score != before.Score {
		t.Errorf("held sample %+v, want previous %+v", s, before)
	}
}

func TestFrameSizeChangeReprimes(t *testing.T) {
	g := NewGate(testCfg())
	defer g.Close()
	big := uniformFrame(0)
	defer big.Close()
	g.Observe(big)

	small := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 60, 80, gocv.MatTypeCV8UC3)
	defer small.Close()
	s := g.Observe(small)
	if s.Classification != Stable || s.Score != 0 {
		t.Errorf("resized stream should reprime, got %+v", s)
	}
}
