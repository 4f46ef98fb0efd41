// Package overlay draws analysis results onto frames saved as artifacts.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"
)

var (
	colorMinor    = color.RGBA{60, 200, 60, 0}
	colorModerate = color.RGBA{255, 160, 20, 0}
	colorCritical = color.RGBA{230, 40, 40, 0}
	colorStamp    = color.RGBA{235, 235, 235, 0}
)

func severityColor(severity string) color.RGBA {
	switch severity {
	case "CRITICAL":
		return colorCritical
	case "MODERATE":
		return colorModerate
	default:
		return colorMinor
	}
}

// DrawFinding outlines one defect region with a severity-colored box and a
// compact label above it (below when the box touches the top edge).
func DrawFinding(img *gocv.Mat, box image.Rectangle, label, severity string, confidence float64) {
	c := severityColor(severity)
	gocv.Rectangle(img, box, c, 2)

	text := fmt.Sprintf("%s %.0f%% %s", label, confidence*100, severity)
	org := image.Pt(box.Min.X, box.Min.Y-6)
	if org.Y < 14 {
		org = image.Pt(box.Min.X, box.Max.Y+16)
	}
	gocv.PutText(img, text, org, gocv.FontHersheySimplex, 0.45, c, 1)
}

// DrawStamp writes a one-line caption with the capture time in the top-left
// corner, on a filled bar so it stays readable over bright sheets.
func DrawStamp(img *gocv.Mat, caption string, at time.Time) {
	text := fmt.Sprintf("%s  %s", caption, at.Format("2006-01-02 15:04:05"))
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.5, 1)
	bar := image.Rect(0, 0, size.X+12, size.Y+12)
	gocv.Rectangle(img, bar, color.RGBA{0, 0, 0, 0}, -1)
	gocv.PutText(img, text, image.Pt(6, size.Y+5), gocv.FontHersheySimplex, 0.5, colorStamp, 1)
}
