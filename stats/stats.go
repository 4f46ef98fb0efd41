// Package stats tracks pipeline health: lock-free counters for the per-frame
// path, per-stage timing aggregates for periodic reports, and a prometheus
// registry for scraping. Latency-budget violations land here as counters,
// never as errors.
package stats

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names used by the counting loop.
const (
	StageRead     = "read"
	StageMotion   = "motion"
	StageDetect   = "detect"
	StageCapture  = "capture"
	StageAnalysis = "analysis"
)

// Stats is the shared metrics sink. All counter fields are safe for
// concurrent use from the frame loop and workers.
type Stats struct {
	FramesIn          atomic.Uint64
	DecodeFailures    atomic.Uint64
	HeldOverFrames    atomic.Uint64
	DetectorCalls     atomic.Uint64
	LatencyViolations atomic.Uint64
	Commits           atomic.Uint64
	CapturesWritten   atomic.Uint64
	CaptureErrors     atomic.Uint64
	DefectRecords     atomic.Uint64
	AnalysisErrors    atomic.Uint64
	ModelLoads        atomic.Uint64
	ModelUnloads      atomic.Uint64
	SourceStalls      atomic.Uint64
	Reconnects        atomic.Uint64

	registry        *prometheus.Registry
	detectorSeconds prometheus.Histogram

	mu          sync.Mutex
	stageTotal  map[string]time.Duration
	stageCount  map[string]int64
	windowStart time.Time
}

// New builds a Stats with its own private prometheus registry.
func New() *Stats {
	s := &Stats{
		registry:    prometheus.NewRegistry(),
		stageTotal:  make(map[string]time.Duration),
		stageCount:  make(map[string]int64),
		windowStart: time.Now(),
	}
	s.detectorSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stackcam_detector_seconds",
		Help:    "Sheet detector inference latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})
	s.registry.MustRegister(s.detectorSeconds)
	s.register()
	return s
}

func (s *Stats) register() {
	counters := []struct {
		name string
		help string
		load func() uint64
	}{
		{"stackcam_frames_in_total", "Frames pulled from the source", s.FramesIn.Load},
		{"stackcam_decode_failures_total", "Frames rejected as invalid", s.DecodeFailures.Load},
		{"stackcam_held_over_frames_total", "Frames where the previous classification was held", s.HeldOverFrames.Load},
		{"stackcam_detector_calls_total", "Detector inference calls", s.DetectorCalls.Load},
		{"stackcam_latency_violations_total", "Detector calls over the latency budget", s.LatencyViolations.Load},
		{"stackcam_commits_total", "Committed count events", s.Commits.Load},
		{"stackcam_captures_written_total", "Capture artifacts written", s.CapturesWritten.Load},
		{"stackcam_capture_errors_total", "Capture persistence failures", s.CaptureErrors.Load},
		{"stackcam_defect_records_total", "Defect records written", s.DefectRecords.Load},
		{"stackcam_analysis_errors_total", "Per-capture analysis failures", s.AnalysisErrors.Load},
		{"stackcam_model_loads_total", "Pipeline model loads", s.ModelLoads.Load},
		{"stackcam_model_unloads_total", "Pipeline model unloads", s.ModelUnloads.Load},
		{"stackcam_source_stalls_total", "Watchdog stall detections", s.SourceStalls.Load},
		{"stackcam_reconnects_total", "Frame source reconnects", s.Reconnects.Load},
	}
	for _, c := range counters {
		load := c.load
		s.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(load()) },
		))
	}
}

// ObserveDetector records one detector call's latency.
func (s *Stats) ObserveDetector(d time.Duration) {
	s.DetectorCalls.Add(1)
	s.detectorSeconds.Observe(d.Seconds())
	s.ObserveStage(StageDetect, d)
}

// ObserveStage accumulates timing for a named pipeline stage.
func (s *Stats) ObserveStage(name string, d time.Duration) {
	s.mu.Lock()
	s.stageTotal[name] += d
	s.stageCount[name]++
	s.mu.Unlock()
}

// StageReport is one window's aggregate for a stage.
type StageReport struct {
	Avg   time.Duration
	Count int64
	Rate  float64
}

// Report returns per-stage averages and rates since the last Report call,
// then resets the window.
func (s *Stats) Report() map[string]StageReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := time.Since(s.windowStart).Seconds()
	if window <= 0 {
		window = 1
	}
	out := make(map[string]StageReport, len(s.stageCount))
	for name, n := range s.stageCount {
		if n == 0 {
			continue
		}
		out[name] = StageReport{
			Avg:   s.stageTotal[name] / time.Duration(n),
			Count: n,
			Rate:  float64(n) / window,
		}
	}
	s.stageTotal = make(map[string]time.Duration)
	s.stageCount = make(map[string]int64)
	s.windowStart = time.Now()
	return out
}

// Handler exposes the private registry for scraping. The run command mounts
// it on the control listener next to the operator endpoints.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
