package detection

import (
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"stackcam/config"
)

// Boxes overlapping more than this are collapsed onto the stronger one.
const nmsThreshold = 0.45

// dnnNet is one loaded detector network plus its decode parameters. Calls
// are serialized; OpenCV nets are not reentrant, and Close waits out any
// in-flight forward pass.
type dnnNet struct {
	mu        sync.Mutex
	net       gocv.Net
	closed    bool
	labels    []string
	inputSize int
	floor     float64
	backend   string
}

// openNet loads mf, preferring the CUDA backend when configured and the
// hardware checks pass. A CUDA setup that fails its probe inference falls
// back to the CPU backend instead of failing the load.
func openNet(mf config.ModelFile, preferGPU bool, floor float64) (*dnnNet, error) {
	if preferGPU && hasGPUCapability() {
		n, err := readNet(mf, true, floor)
		if err == nil {
			if probeErr := n.probe(); probeErr == nil {
				log.Info().Str("weights", filepath.Base(mf.Weights)).Msg("model on CUDA backend")
				return n, nil
			} else {
				log.Warn().Err(probeErr).Str("weights", filepath.Base(mf.Weights)).
					Msg("CUDA probe failed, using CPU backend")
				n.Close()
			}
		} else {
			log.Warn().Err(err).Msg("CUDA init failed, using CPU backend")
		}
	}
	n, err := readNet(mf, false, floor)
	if err != nil {
		return nil, err
	}
	log.Info().Str("weights", filepath.Base(mf.Weights)).Msg("model on CPU backend")
	return n, nil
}

func readNet(mf config.ModelFile, gpu bool, floor float64) (*dnnNet, error) {
	net := gocv.ReadNet(mf.Weights, mf.Config)
	if net.Empty() {
		return nil, fmt.Errorf("load network from %s / %s", mf.Weights, mf.Config)
	}
	if gpu {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	labels, err := readLabels(mf.Names)
	if err != nil {
		net.Close()
		return nil, err
	}
	backend := "CPU"
	if gpu {
		backend = "CUDA"
	}
	return &dnnNet{net: net, labels: labels, inputSize: mf.InputSize, floor: floor, backend: backend}, nil
}

func readLabels(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class names: %w", err)
	}
	var labels []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			labels = append(labels, line)
		}
	}
	return labels, nil
}

// probe runs one inference on a blank frame to confirm the backend works
// before the loader commits to it.
func (n *dnnNet) probe() error {
	frame := gocv.NewMatWithSize(n.inputSize, n.inputSize, gocv.MatTypeCV8UC3)
	defer frame.Close()
	_, err := n.detect(frame)
	return err
}

// detect runs one forward pass and decodes every region above the floor.
func (n *dnnNet) detect(frame gocv.Mat) ([]Detection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNotResident
	}

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(n.inputSize, n.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	n.net.SetInput(blob, "")

	out := n.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read network output: %w", err)
	}
	sz := out.Size()
	cols := sz[len(sz)-1]
	return decodeRows(data, cols, frame.Cols(), frame.Rows(), n.floor, n.labels), nil
}

func (n *dnnNet) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.net.Close()
}

// decodeRows parses detector rows laid out as
// [cx cy w h objectness class-scores...] with normalized coordinates,
// applies the confidence floor, and suppresses overlapping boxes.
func decodeRows(data []float32, cols, origW, origH int, floor float64, labels []string) []Detection {
	if cols < 6 {
		return nil
	}
	var (
		boxes   []image.Rectangle
		scores  []float32
		classes []int
	)
	for off := 0; off+cols <= len(data); off += cols {
		row := data[off : off+cols]
		cls, clsScore := argmax(row[5:])
		conf := row[4] * clsScore
		if float64(conf) < floor {
			continue
		}
		box := mapBox(row[0], row[1], row[2], row[3], origW, origH)
		if box.Dx() < 4 || box.Dy() < 4 {
			continue
		}
		boxes = append(boxes, box)
		scores = append(scores, conf)
		classes = append(classes, cls)
	}
	if len(boxes) == 0 {
		return nil
	}

	var dets []Detection
	for _, i := range gocv.NMSBoxes(boxes, scores, float32(floor), nmsThreshold) {
		label := ""
		if classes[i] < len(labels) {
			label = labels[classes[i]]
		}
		dets = append(dets, Detection{Box: boxes[i], Label: label, Confidence: float64(scores[i])})
	}
	return dets
}

func argmax(scores []float32) (int, float32) {
	best, bestVal := 0, float32(0)
	for i, v := range scores {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, bestVal
}

// mapBox converts a normalized center-size box to pixel corners, clamped to
// the frame.
func mapBox(cx, cy, w, h float32, origW, origH int) image.Rectangle {
	fw, fh := float64(origW), float64(origH)
	bw := float64(w) * fw
	bh := float64(h) * fh
	left := float64(cx)*fw - bw/2
	top := float64(cy)*fh - bh/2
	rect := image.Rect(int(left+0.5), int(top+0.5), int(left+bw+0.5), int(top+bh+0.5))
	return rect.Intersect(image.Rect(0, 0, origW, origH))
}

// GPU capability checks, cheapest first. CUDA itself is proven by the probe
// inference during openNet.
func hasGPUCapability() bool {
	if !hasNVIDIAGPU() {
		log.Debug().Msg("no NVIDIA device on the bus")
		return false
	}
	if !hasNVIDIADriver() {
		log.Debug().Msg("NVIDIA driver not loaded")
		return false
	}
	return true
}

func hasNVIDIAGPU() bool {
	out, err := exec.Command("lspci").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(out)), "nvidia")
}

func hasNVIDIADriver() bool {
	if err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Run(); err != nil {
		return false
	}
	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}
