package detection

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"stackcam/capture"
	"stackcam/config"
	"stackcam/defect"
	"stackcam/dimension"
	"stackcam/overlay"
)

// Inspector implements the defect pipeline's per-capture contract on top of
// the loader's locator and segmenter. It is only called while the pipeline
// holds a defect lease, so the models are resident for the duration.
type Inspector struct {
	loader  *DefectLoader
	est     *dimension.Estimator
	cfg     config.DefectConfig
	quality int
}

func NewInspector(loader *DefectLoader, est *dimension.Estimator, cfg config.DefectConfig, storage config.StorageConfig) *Inspector {
	return &Inspector{loader: loader, est: est, cfg: cfg, quality: storage.JPEGQuality}
}

// Inspect locates defects on one capture, segments each region, writes the
// crops, and measures the sheet outline. The context is consulted between
// inference calls only.
func (ins *Inspector) Inspect(ctx context.Context, imagePath, cropDir string, stackHeightMM float64, types []string) (defect.Report, error) {
	img, err := capture.ReadImage(imagePath)
	if err != nil {
		return defect.Report{}, err
	}
	defer img.Close()

	dets, err := ins.loader.Locate(img, types)
	if err != nil {
		return defect.Report{}, fmt.Errorf("locate: %w", err)
	}

	var report defect.Report
	base := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	annotate := ins.cfg.SaveAnnotated && len(dets) > 0
	var annotated gocv.Mat
	if annotate {
		annotated = img.Clone()
		defer annotated.Close()
	}

	for _, d := range dets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		area := d.Box.Dx() * d.Box.Dy()
		mask, segErr := ins.loader.Segment(img, d.Box)
		if segErr != nil {
			log.Warn().Err(segErr).Str("type", d.Label).Msg("segmentation failed, using box area")
		} else {
			if a := gocv.CountNonZero(mask); a > 0 {
				area = a
			}
			mask.Close()
		}

		cropRect := d.Box.Inset(-ins.cfg.CropPaddingPx).Intersect(bounds)
		cropPath := filepath.Join(cropDir,
			fmt.Sprintf("%s_%s_%d.jpg", d.Label, base, time.Now().UnixMilli()))
		cropView := img.Region(cropRect)
		err = capture.WriteJPEG(cropPath, cropView, ins.quality)
		cropView.Close()
		if err != nil {
			return report, fmt.Errorf("crop: %w", err)
		}

		if annotate {
			overlay.DrawFinding(&annotated, d.Box, d.Label, ins.cfg.SeverityFor(area), d.Confidence)
		}

		report.Findings = append(report.Findings, defect.Finding{
			DefectType: d.Label,
			Confidence: d.Confidence,
			BBox:       d.Box,
			AreaPx:     area,
			CropPath:   cropPath,
		})
	}

	if annotate {
		overlay.DrawStamp(&annotated, base, time.Now())
		path := filepath.Join(cropDir, "annotated_"+base+".jpg")
		if err := capture.WriteJPEG(path, annotated, ins.quality); err != nil {
			log.Warn().Err(err).Msg("annotated frame not saved")
		}
	}

	if sheet, ok := ins.measureSheet(img, stackHeightMM); ok {
		report.LengthMM = &sheet.LengthMM
		report.WidthMM = &sheet.WidthMM
	}
	return report, nil
}

// measureSheet binarizes the capture and measures the dominant contour.
// Otsu holds up well here: a sheet against the container bottom is high
// contrast by the time a capture was committed.
func (ins *Inspector) measureSheet(img gocv.Mat, stackHeightMM float64) (dimension.Sheet, bool) {
	if ins.est == nil {
		return dimension.Sheet{}, false
	}
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(gray, &bin, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	return ins.est.FromMask(bin, stackHeightMM)
}
