// Package capture persists image artifacts with the station's JPEG settings.
package capture

import (
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// WriteJPEG writes img to path at the given quality, creating parent
// directories as needed.
func WriteJPEG(path string, img gocv.Mat, quality int) error {
	if img.Empty() {
		return fmt.Errorf("write %s: empty image", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	params := []int{gocv.IMWriteJpegQuality, quality}
	if !gocv.IMWriteWithParams(path, img, params) {
		return fmt.Errorf("encode %s", path)
	}
	return nil
}

// ReadImage loads a stored artifact in color. The Mat is only valid when the
// error is nil; the caller owns closing it.
func ReadImage(path string) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("decode %s", path)
	}
	return img, nil
}

// Frame is a retained copy of a live frame, queued for asynchronous
// persistence. It satisfies the session manager's image writer.
type Frame struct {
	img     gocv.Mat
	quality int
}

// NewFrame clones src so the capture loop can reuse its buffer immediately.
func NewFrame(src gocv.Mat, quality int) *Frame {
	return &Frame{img: src.Clone(), quality: quality}
}

func (f *Frame) Write(path string) error {
	return WriteJPEG(path, f.img, f.quality)
}

func (f *Frame) Close() {
	f.img.Close()
}
