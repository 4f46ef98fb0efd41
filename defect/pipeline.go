// Package defect orchestrates post-hoc analysis over a session's captures:
// locate candidate regions, prompt the segmenter, measure, classify severity,
// and persist crops plus structured records.
package defect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog/log"

	"stackcam/arbiter"
	"stackcam/config"
	"stackcam/events"
	"stackcam/stats"
	"stackcam/store"
)

// ErrResourceUnavailable means the defect pipeline could not obtain model
// residency at all; nothing was analyzed.
var ErrResourceUnavailable = errors.New("defect pipeline unavailable")

const (
	SeverityMinor    = "MINOR"
	SeverityModerate = "MODERATE"
	SeverityCritical = "CRITICAL"
)

// Finding is one located and segmented defect on a single capture.
type Finding struct {
	DefectType string
	Confidence float64
	BBox       image.Rectangle
	AreaPx     int
	CropPath   string
}

// Report is everything an Inspector extracted from one capture image.
type Report struct {
	Findings []Finding
	LengthMM *float64
	WidthMM  *float64
}

// Inspector runs the model-side work for one capture. The pipeline owns
// lease acquisition, iteration, and persistence around it; implementations
// may assume the defect models are resident for the duration of the call.
type Inspector interface {
	Inspect(ctx context.Context, imagePath, cropDir string, stackHeightMM float64, types []string) (Report, error)
}

// ItemError records a capture that could not be analyzed.
type ItemError struct {
	Seq  int
	Path string
	Err  error
}

// Result summarizes one Analyze call. Failed items do not abort the batch.
type Result struct {
	SessionID      string
	CapturesSeen   int
	DefectsFound   int
	Records        []store.Defect
	Failed         []ItemError
	ProcessingTime time.Duration
}

// Pipeline is safe to reuse across Analyze calls; each call holds the defect
// lease only for its own duration.
type Pipeline struct {
	arb     *arbiter.Arbiter
	st      *store.Store
	ins     Inspector
	cfg     *config.Config
	bus     *events.Bus
	metrics *stats.Stats
}

func New(arb *arbiter.Arbiter, st *store.Store, ins Inspector, cfg *config.Config, bus *events.Bus, metrics *stats.Stats) *Pipeline {
	return &Pipeline{arb: arb, st: st, ins: ins, cfg: cfg, bus: bus, metrics: metrics}
}

// Analyze runs the defect pipeline over every capture in the session's
// ledger. A single bad capture is recorded in Result.Failed and skipped;
// failing to obtain the defect lease aborts the whole call with
// ErrResourceUnavailable. Cancellation is honored between captures, never
// mid-inference, and already-persisted records stay valid.
func (p *Pipeline) Analyze(ctx context.Context, sessionID string, types []string) (*Result, error) {
	start := time.Now()

	sess, err := p.st.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: not found", sessionID)
	}

	lease, err := p.arb.Acquire(ctx, arbiter.PipelineDefect)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}
	defer p.arb.Release(lease)

	captures, err := p.st.ListCaptures(sessionID)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		types = p.cfg.Defect.Types
	}

	log.Info().Str("session", sessionID).Int("captures", len(captures)).
		Strs("types", types).Msg("defect analysis started")

	res := &Result{SessionID: sessionID}
	cropDir := p.cfg.Storage.DefectDir(sessionID)

	for _, c := range captures {
		if ctx.Err() != nil {
			log.Warn().Str("session", sessionID).Int("after", res.CapturesSeen).
				Msg("defect analysis cancelled")
			break
		}
		if !lease.Valid() {
			log.Warn().Str("session", sessionID).Int("after", res.CapturesSeen).
				Msg("defect lease revoked, stopping batch")
			break
		}
		res.CapturesSeen++

		stackHeight := p.cfg.Dimension.SheetThicknessMM * float64(c.Seq-1)
		report, err := p.ins.Inspect(ctx, c.ImagePath, cropDir, stackHeight, types)
		if err != nil {
			p.metrics.AnalysisErrors.Add(1)
			log.Warn().Err(err).Str("capture", c.ImagePath).Int("seq", c.Seq).
				Msg("capture skipped")
			res.Failed = append(res.Failed, ItemError{Seq: c.Seq, Path: c.ImagePath, Err: err})
			continue
		}

		if report.LengthMM != nil && report.WidthMM != nil {
			if err := p.st.SetCaptureDimensions(c.ID, *report.LengthMM, *report.WidthMM); err != nil {
				log.Warn().Err(err).Str("capture", c.ID).Msg("dimensions not recorded")
			}
		}

		for _, f := range report.Findings {
			rec := store.Defect{
				CaptureID:  c.ID,
				SessionID:  sessionID,
				DefectType: f.DefectType,
				Confidence: f.Confidence,
				BBox:       f.BBox,
				AreaPx:     f.AreaPx,
				Severity:   p.cfg.Defect.SeverityFor(f.AreaPx),
				CropPath:   f.CropPath,
			}
			if err := p.st.InsertDefect(&rec); err != nil {
				p.metrics.AnalysisErrors.Add(1)
				log.Error().Err(err).Int("seq", c.Seq).Msg("defect record not persisted")
				res.Failed = append(res.Failed, ItemError{Seq: c.Seq, Path: c.ImagePath, Err: err})
				continue
			}
			p.metrics.DefectRecords.Add(1)
			res.Records = append(res.Records, rec)
			res.DefectsFound++
			p.bus.Publish(events.Event{
				Kind:      events.KindDefectFound,
				SessionID: sessionID,
				Sequence:  c.Seq,
				Path:      rec.CropPath,
				Detail:    rec.DefectType + " " + rec.Severity,
			})
		}
	}

	res.ProcessingTime = time.Since(start)
	p.metrics.ObserveStage(stats.StageAnalysis, res.ProcessingTime)
	log.Info().Str("session", sessionID).
		Int("captures", res.CapturesSeen).
		Int("defects", res.DefectsFound).
		Int("failed", len(res.Failed)).
		Dur("took", res.ProcessingTime).
		Msg("defect analysis finished")
	return res, nil
}
