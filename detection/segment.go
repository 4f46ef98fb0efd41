package detection

import (
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"stackcam/config"
)

// maskNet runs a dense segmentation model over the prompted crop and
// thresholds the probability map into a binary mask.
type maskNet struct {
	mu        sync.Mutex
	net       gocv.Net
	closed    bool
	inputSize int
}

func openMaskNet(mf config.ModelFile, preferGPU bool) (*maskNet, error) {
	net := gocv.ReadNet(mf.Weights, mf.Config)
	if net.Empty() {
		return nil, fmt.Errorf("load segmenter from %s", mf.Weights)
	}
	if preferGPU && hasGPUCapability() {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	return &maskNet{net: net, inputSize: mf.InputSize}, nil
}

func (m *maskNet) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.net.Close()
}

func (m *maskNet) Segment(img gocv.Mat, prompt image.Rectangle) (gocv.Mat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return gocv.Mat{}, ErrNotResident
	}

	roi, err := promptROI(img, prompt)
	if err != nil {
		return gocv.Mat{}, err
	}
	region := img.Region(roi)
	defer region.Close()

	blob := gocv.BlobFromImage(region, 1.0/255.0, image.Pt(m.inputSize, m.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	sz := out.Size()
	if len(sz) < 2 {
		return gocv.Mat{}, fmt.Errorf("unexpected segmenter output dims %v", sz)
	}
	prob := out.Reshape(1, sz[len(sz)-2])
	defer prob.Close()

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(prob, &bin, 0.5, 255, gocv.ThresholdBinary)
	bin8 := gocv.NewMat()
	defer bin8.Close()
	bin.ConvertTo(&bin8, gocv.MatTypeCV8UC1)

	sized := gocv.NewMat()
	defer sized.Close()
	gocv.Resize(bin8, &sized, image.Pt(roi.Dx(), roi.Dy()), 0, 0, gocv.InterpolationNearestNeighbor)

	mask := gocv.NewMatWithSize(img.Rows(), img.Cols(), gocv.MatTypeCV8UC1)
	target := mask.Region(roi)
	sized.CopyTo(&target)
	target.Close()
	return mask, nil
}

// grabCutSegmenter is the promptable fallback when no segmentation model is
// configured: classical GrabCut seeded with the prompt rectangle. Slower per
// region but needs no accelerator memory.
type grabCutSegmenter struct {
	iterations int
}

func (g *grabCutSegmenter) Segment(img gocv.Mat, prompt image.Rectangle) (gocv.Mat, error) {
	roi, err := promptROI(img, prompt)
	if err != nil {
		return gocv.Mat{}, err
	}

	labels := gocv.NewMatWithSize(img.Rows(), img.Cols(), gocv.MatTypeCV8UC1)
	defer labels.Close()
	bgd := gocv.NewMat()
	defer bgd.Close()
	fgd := gocv.NewMat()
	defer fgd.Close()
	gocv.GrabCut(img, &labels, roi, &bgd, &fgd, g.iterations, gocv.GCInitWithRect)

	// Foreground is label 1 (certain) or 3 (probable).
	fg := gocv.NewMat()
	defer fg.Close()
	pr := gocv.NewMat()
	defer pr.Close()
	gocv.InRangeWithScalar(labels, gocv.NewScalar(1, 0, 0, 0), gocv.NewScalar(1, 0, 0, 0), &fg)
	gocv.InRangeWithScalar(labels, gocv.NewScalar(3, 0, 0, 0), gocv.NewScalar(3, 0, 0, 0), &pr)

	mask := gocv.NewMat()
	gocv.BitwiseOr(fg, pr, &mask)
	return mask, nil
}

// promptSegmenter prefers the model-backed segmenter and falls back to
// GrabCut when the model is absent or fails on a region.
type promptSegmenter struct {
	primary  Segmenter
	fallback Segmenter
}

func (p *promptSegmenter) Segment(img gocv.Mat, prompt image.Rectangle) (gocv.Mat, error) {
	if p.primary != nil {
		mask, err := p.primary.Segment(img, prompt)
		if err == nil {
			return mask, nil
		}
		log.Warn().Err(err).Msg("segmentation model failed, using GrabCut fallback")
	}
	return p.fallback.Segment(img, prompt)
}

// promptROI clamps a prompt onto the frame. GrabCut needs background pixels
// outside the rectangle, so a whole-frame prompt is shrunk by one pixel.
func promptROI(img gocv.Mat, prompt image.Rectangle) (image.Rectangle, error) {
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())
	roi := prompt.Intersect(bounds)
	if roi.Dx() < 2 || roi.Dy() < 2 {
		return image.Rectangle{}, fmt.Errorf("prompt %v too small or outside frame", prompt)
	}
	if roi == bounds {
		roi = roi.Inset(1)
	}
	return roi, nil
}
