package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the single runtime tuning surface for the station monitor.
// Build it once at startup with Default, optionally overlay a JSON file
// with Load, validate it, and pass it by reference into each component.
type Config struct {
	Stream    StreamConfig    `json:"stream"`
	Motion    MotionConfig    `json:"motion"`
	Counting  CountingConfig  `json:"counting"`
	Models    ModelsConfig    `json:"models"`
	Defect    DefectConfig    `json:"defect"`
	Dimension DimensionConfig `json:"dimension"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// StreamConfig controls frame ingestion.
type StreamConfig struct {
	// URL is an RTSP endpoint, a device index ("0") or a video file path.
	URL string `json:"url"`
	// Loop restarts file playback at end of stream (bench runs with uploaded video).
	Loop bool `json:"loop"`
	// MaxConsecutiveErrors is how many bad reads are tolerated before reconnecting.
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`
	ReconnectAttempts    int `json:"reconnect_attempts"`
	ReconnectDelaySecs   int `json:"reconnect_delay_seconds"`
	// StallTimeoutSecs is how long the watchdog waits without a new frame
	// before declaring the source stalled.
	StallTimeoutSecs int `json:"stall_timeout_seconds"`
	TargetFPS        int `json:"target_fps"`
}

// MotionConfig controls the stable/disturbed gate.
type MotionConfig struct {
	// Threshold is the normalized disturbance score in (0,1] above which a
	// frame counts as DISTURBED. 0.10 corresponds to a mean absolute gray
	// difference of ~25/255.
	Threshold float64 `json:"threshold"`
	// ROI is the watched fraction of the frame, in [0,1] coordinates.
	// Zero width/height means the whole frame.
	ROI FractionalRect `json:"roi"`
	// ReferenceAlpha is the exponential smoothing factor applied to the
	// reference frame on every STABLE classification.
	ReferenceAlpha float64 `json:"reference_alpha"`
	// BlurKernel is the odd Gaussian kernel edge used before differencing.
	BlurKernel int `json:"blur_kernel"`
}

// FractionalRect is a rectangle in frame-relative [0,1] coordinates.
type FractionalRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CountingConfig controls the counting state machine.
type CountingConfig struct {
	// ConfidenceThreshold is the minimum detector confidence a candidate
	// sheet must hold continuously through the dwell.
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	// StabilityWindowMS is the dwell a candidate must survive before commit.
	StabilityWindowMS int `json:"stability_window_ms"`
	// DetectorBudgetMS bounds a single detector call; slower calls hold the
	// previous classification and are surfaced as a metric.
	DetectorBudgetMS int `json:"detector_budget_ms"`
}

// StabilityWindow returns the dwell as a duration.
func (c CountingConfig) StabilityWindow() time.Duration {
	return time.Duration(c.StabilityWindowMS) * time.Millisecond
}

// DetectorBudget returns the per-call inference budget as a duration.
func (c CountingConfig) DetectorBudget() time.Duration {
	return time.Duration(c.DetectorBudgetMS) * time.Millisecond
}

// ModelFile locates one DNN model and its estimated resident footprint.
type ModelFile struct {
	Weights string `json:"weights"`
	Config  string `json:"config"`
	Names   string `json:"names"`
	// InputSize is the square blob edge fed to the network.
	InputSize int `json:"input_size"`
	// MemoryMB is the estimated resident footprint once loaded, used by the
	// residency arbiter against the device budget.
	MemoryMB int64 `json:"memory_mb"`
}

// ModelsConfig describes the two inference pipelines and the shared budget.
type ModelsConfig struct {
	// Counting is the lightweight real-time sheet detector.
	Counting ModelFile `json:"counting"`
	// Locator is the heavier defect detector used during analysis.
	Locator ModelFile `json:"locator"`
	// Segmenter is the promptable segmentation model. Empty weights select
	// the GrabCut fallback segmenter.
	Segmenter ModelFile `json:"segmenter"`
	// MemoryBudgetMB is the accelerator budget the arbiter enforces.
	MemoryBudgetMB int64 `json:"memory_budget_mb"`
	PreferGPU      bool  `json:"prefer_gpu"`
}

// DefectConfig controls defect analysis.
type DefectConfig struct {
	// ConfidenceFloor drops locator findings below it before prompting.
	ConfidenceFloor float64 `json:"confidence_floor"`
	// MinorMaxAreaPx and ModerateMaxAreaPx are the severity boundaries:
	// area < minor => MINOR, area < moderate => MODERATE, else CRITICAL.
	MinorMaxAreaPx    int `json:"minor_max_area_px"`
	ModerateMaxAreaPx int `json:"moderate_max_area_px"`
	// CropPaddingPx widens the saved crop around the located region.
	CropPaddingPx int `json:"crop_padding_px"`
	// Types is the default defect-type selection when the caller passes none.
	Types []string `json:"types"`
	// SaveAnnotated also writes a full-frame image with findings drawn in.
	SaveAnnotated bool `json:"save_annotated"`
}

// SeverityFor classifies a defect mask area in pixels against the
// configured boundaries.
func (d DefectConfig) SeverityFor(areaPx int) string {
	switch {
	case areaPx < d.MinorMaxAreaPx:
		return "MINOR"
	case areaPx < d.ModerateMaxAreaPx:
		return "MODERATE"
	default:
		return "CRITICAL"
	}
}

// HeightRatio maps a stack height to an effective mm/pixel ratio.
type HeightRatio struct {
	StackHeightMM float64 `json:"stack_height_mm"`
	MMPerPixel    float64 `json:"mm_per_pixel"`
}

// DimensionConfig controls physical dimension estimation.
type DimensionConfig struct {
	// MMPerPixel is the flat calibration ratio at an empty container.
	// Zero means uncalibrated; estimates are then pixel-only.
	MMPerPixel float64 `json:"mm_per_pixel"`
	// CameraHeightMM enables linear parallax compensation when > 0.
	CameraHeightMM float64 `json:"camera_height_mm"`
	// Table, when present, overrides the linear model with interpolated
	// measurements taken at known stack heights.
	Table []HeightRatio `json:"table,omitempty"`
	// SheetThicknessMM lets analysis derive the stack height under capture N
	// as (N-1) * thickness. Zero disables height compensation.
	SheetThicknessMM float64 `json:"sheet_thickness_mm"`
}

// StorageConfig controls where artifacts and the ledger live.
type StorageConfig struct {
	// DataDir is the root for captures/, defects/ and the sqlite ledger.
	DataDir     string `json:"data_dir"`
	JPEGQuality int    `json:"jpeg_quality"`
}

// DBPath returns the ledger location under DataDir.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, "stackcam.db")
}

// CaptureDir returns the capture directory for one session.
func (s StorageConfig) CaptureDir(sessionID string) string {
	return filepath.Join(s.DataDir, "captures", sessionID)
}

// DefectDir returns the crop directory for one session.
func (s StorageConfig) DefectDir(sessionID string) string {
	return filepath.Join(s.DataDir, "defects", sessionID)
}

// MetricsConfig controls the optional prometheus listener.
type MetricsConfig struct {
	// ListenAddr exposes /metrics when non-empty, e.g. ":9100".
	ListenAddr string `json:"listen_addr"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			MaxConsecutiveErrors: 5,
			ReconnectAttempts:    10,
			ReconnectDelaySecs:   2,
			StallTimeoutSecs:     10,
			TargetFPS:            25,
		},
		Motion: MotionConfig{
			Threshold:      0.10,
			ReferenceAlpha: 0.05,
			BlurKernel:     5,
		},
		Counting: CountingConfig{
			ConfidenceThreshold: 0.80,
			StabilityWindowMS:   500,
			DetectorBudgetMS:    150,
		},
		Models: ModelsConfig{
			Counting:       ModelFile{InputSize: 640, MemoryMB: 350},
			Locator:        ModelFile{InputSize: 640, MemoryMB: 900},
			Segmenter:      ModelFile{InputSize: 1024, MemoryMB: 1100},
			MemoryBudgetMB: 2048,
			PreferGPU:      true,
		},
		Defect: DefectConfig{
			ConfidenceFloor:   0.50,
			MinorMaxAreaPx:    100,
			ModerateMaxAreaPx: 500,
			CropPaddingPx:     10,
			Types:             []string{"scratch", "dent", "edge_crack", "stain"},
			SaveAnnotated:     true,
		},
		Dimension: DimensionConfig{},
		Storage: StorageConfig{
			DataDir:     "data",
			JPEGQuality: 85,
		},
	}
}

// Load overlays the JSON file at path onto the defaults and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.Motion.Threshold <= 0 || c.Motion.Threshold > 1 {
		return fmt.Errorf("motion.threshold %v: must be in (0,1]", c.Motion.Threshold)
	}
	if c.Motion.ReferenceAlpha < 0 || c.Motion.ReferenceAlpha > 1 {
		return fmt.Errorf("motion.reference_alpha %v: must be in [0,1]", c.Motion.ReferenceAlpha)
	}
	if c.Motion.BlurKernel < 1 || c.Motion.BlurKernel%2 == 0 {
		return fmt.Errorf("motion.blur_kernel %d: must be odd and >= 1", c.Motion.BlurKernel)
	}
	if r := c.Motion.ROI; r.X < 0 || r.Y < 0 || r.W < 0 || r.H < 0 ||
		r.X+r.W > 1 || r.Y+r.H > 1 {
		return fmt.Errorf("motion.roi %+v: fractions must stay inside [0,1]", r)
	}
	if c.Counting.ConfidenceThreshold <= 0 || c.Counting.ConfidenceThreshold > 1 {
		return fmt.Errorf("counting.confidence_threshold %v: must be in (0,1]", c.Counting.ConfidenceThreshold)
	}
	if c.Counting.StabilityWindowMS <= 0 {
		return fmt.Errorf("counting.stability_window_ms %d: must be positive", c.Counting.StabilityWindowMS)
	}
	if c.Counting.DetectorBudgetMS <= 0 {
		return fmt.Errorf("counting.detector_budget_ms %d: must be positive", c.Counting.DetectorBudgetMS)
	}
	if c.Models.MemoryBudgetMB <= 0 {
		return fmt.Errorf("models.memory_budget_mb %d: must be positive", c.Models.MemoryBudgetMB)
	}
	if c.Defect.ConfidenceFloor < 0 || c.Defect.ConfidenceFloor > 1 {
		return fmt.Errorf("defect.confidence_floor %v: must be in [0,1]", c.Defect.ConfidenceFloor)
	}
	if c.Defect.MinorMaxAreaPx <= 0 || c.Defect.ModerateMaxAreaPx <= c.Defect.MinorMaxAreaPx {
		return fmt.Errorf("defect severity thresholds %d/%d: need 0 < minor < moderate",
			c.Defect.MinorMaxAreaPx, c.Defect.ModerateMaxAreaPx)
	}
	if c.Dimension.MMPerPixel < 0 {
		return fmt.Errorf("dimension.mm_per_pixel %v: must not be negative", c.Dimension.MMPerPixel)
	}
	if c.Dimension.SheetThicknessMM < 0 {
		return fmt.Errorf("dimension.sheet_thickness_mm %v: must not be negative", c.Dimension.SheetThicknessMM)
	}
	if c.Storage.JPEGQuality < 1 || c.Storage.JPEGQuality > 100 {
		return fmt.Errorf("storage.jpeg_quality %d: must be in [1,100]", c.Storage.JPEGQuality)
	}
	if c.Stream.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("stream.max_consecutive_errors %d: must be >= 1", c.Stream.MaxConsecutiveErrors)
	}
	if c.Stream.TargetFPS < 1 {
		return fmt.Errorf("stream.target_fps %d: must be >= 1", c.Stream.TargetFPS)
	}
	return nil
}

// ReconnectDelay returns the delay between reconnect attempts.
func (s StreamConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelaySecs) * time.Second
}

// StallTimeout returns the watchdog stall window.
func (s StreamConfig) StallTimeout() time.Duration {
	return time.Duration(s.StallTimeoutSecs) * time.Second
}
