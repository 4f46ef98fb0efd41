package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"stackcam/config"
)

// ErrNotResident is returned from capability calls after the arbiter has
// unloaded the backing models.
var ErrNotResident = errors.New("model not resident")

// Decode floor for the counting detector. Deliberately below the counting
// confidence threshold so the state machine still sees weak candidates and
// can distinguish "present but uncertain" from "absent".
const countingDecodeFloor = 0.25

// CountingLoader owns the sheet detector's residency and hands out the live
// Detector. Load and Unload are driven only by the arbiter, which serializes
// them; Detect may race against them and fails with ErrNotResident once the
// network is gone.
type CountingLoader struct {
	cfg config.ModelsConfig

	mu  sync.Mutex
	net *dnnNet
}

func NewCountingLoader(cfg config.ModelsConfig) *CountingLoader {
	return &CountingLoader{cfg: cfg}
}

func (l *CountingLoader) Load(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.net != nil {
		return nil
	}
	n, err := openNet(l.cfg.Counting, l.cfg.PreferGPU, countingDecodeFloor)
	if err != nil {
		return fmt.Errorf("counting detector: %w", err)
	}
	log.Debug().Str("backend", n.backend).Msg("counting detector loaded")
	l.net = n
	return nil
}

func (l *CountingLoader) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.net == nil {
		return nil
	}
	l.net.Close()
	l.net = nil
	return nil
}

func (l *CountingLoader) MemoryMB() int64 {
	return l.cfg.Counting.MemoryMB
}

// Detect implements Detector against the resident network.
func (l *CountingLoader) Detect(frame gocv.Mat) ([]Detection, error) {
	l.mu.Lock()
	n := l.net
	l.mu.Unlock()
	if n == nil {
		return nil, ErrNotResident
	}
	return n.detect(frame)
}

// DefectLoader owns residency for the locator plus segmenter pair used by
// defect analysis.
type DefectLoader struct {
	models config.ModelsConfig
	floor  float64

	mu        sync.Mutex
	locator   *dnnNet
	segNet    *maskNet
	segmenter Segmenter
}

func NewDefectLoader(models config.ModelsConfig, defect config.DefectConfig) *DefectLoader {
	return &DefectLoader{models: models, floor: defect.ConfidenceFloor}
}

func (l *DefectLoader) Load(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locator != nil {
		return nil
	}

	loc, err := openNet(l.models.Locator, l.models.PreferGPU, l.floor)
	if err != nil {
		return fmt.Errorf("defect locator: %w", err)
	}

	var primary Segmenter
	if l.models.Segmenter.Weights != "" {
		seg, err := openMaskNet(l.models.Segmenter, l.models.PreferGPU)
		if err != nil {
			loc.Close()
			return fmt.Errorf("segmenter: %w", err)
		}
		l.segNet = seg
		primary = seg
	} else {
		log.Debug().Msg("no segmentation model configured, GrabCut only")
	}

	l.locator = loc
	l.segmenter = &promptSegmenter{primary: primary, fallback: &grabCutSegmenter{iterations: 5}}
	return nil
}

func (l *DefectLoader) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locator != nil {
		l.locator.Close()
		l.locator = nil
	}
	if l.segNet != nil {
		l.segNet.Close()
		l.segNet = nil
	}
	l.segmenter = nil
	return nil
}

func (l *DefectLoader) MemoryMB() int64 {
	mb := l.models.Locator.MemoryMB
	if l.models.Segmenter.Weights != "" {
		mb += l.models.Segmenter.MemoryMB
	}
	return mb
}

// Locate implements Locator: regions of the requested types above the floor.
func (l *DefectLoader) Locate(img gocv.Mat, types []string) ([]Detection, error) {
	l.mu.Lock()
	n := l.locator
	l.mu.Unlock()
	if n == nil {
		return nil, ErrNotResident
	}
	dets, err := n.detect(img)
	if err != nil || len(types) == 0 {
		return dets, err
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var filtered []Detection
	for _, d := range dets {
		if want[d.Label] {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// Segment implements Segmenter while resident.
func (l *DefectLoader) Segment(img gocv.Mat, prompt image.Rectangle) (gocv.Mat, error) {
	l.mu.Lock()
	s := l.segmenter
	l.mu.Unlock()
	if s == nil {
		return gocv.Mat{}, ErrNotResident
	}
	return s.Segment(img, prompt)
}
