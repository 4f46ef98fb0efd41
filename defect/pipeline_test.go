package defect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stackcam/arbiter"
	"stackcam/config"
	"stackcam/events"
	"stackcam/stats"
	"stackcam/store"
)

type nopLoader struct{}

func (nopLoader) Load(context.Context) error { return nil }
func (nopLoader) Unload() error              { return nil }
func (nopLoader) MemoryMB() int64            { return 100 }

// fakeInspector yields one finding per capture with a fixed area, failing
// outright on failPath.
type fakeInspector struct {
	mu       sync.Mutex
	calls    []string
	gotTypes []string
	failPath string
	area     int
	length   *float64
	width    *float64
	onCall   func(n int)
}

func (f *fakeInspector) Inspect(ctx context.Context, imagePath, cropDir string, stackHeightMM float64, types []string) (Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, imagePath)
	n := len(f.calls)
	f.gotTypes = types
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	if imagePath == f.failPath {
		return Report{}, errors.New("corrupt image")
	}
	return Report{
		Findings: []Finding{{
			DefectType: "scratch",
			Confidence: 0.9,
			BBox:       image.Rect(4, 4, 24, 24),
			AreaPx:     f.area,
			CropPath:   filepath.Join(cropDir, "crop.jpg"),
		}},
		LengthMM: f.length,
		WidthMM:  f.width,
	}, nil
}

func newTestPipeline(t *testing.T, ins Inspector) (*Pipeline, *store.Store, *arbiter.Arbiter) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	arb := arbiter.New(2048, nil)
	arb.Register(arbiter.PipelineCounting, nopLoader{})
	arb.Register(arbiter.PipelineDefect, nopLoader{})

	p := New(arb, st, ins, config.Default(), events.NewBus(16), stats.New())
	return p, st, arb
}

func seedSession(t *testing.T, st *store.Store, captures int) *store.Session {
	t.Helper()
	sess, err := st.CreateSession("batch-7", captures)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	base := time.Now()
	for i := 1; i <= captures; i++ {
		path := fmt.Sprintf("/data/captures/%s/img_%03d.jpg", sess.ID, i)
		if _, err := st.AppendCapture(sess.ID, i, path, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("seed capture %d: %v", i, err)
		}
	}
	return sess
}

func TestAnalyzeToleratesCorruptCapture(t *testing.T) {
	ins := &fakeInspector{area: 300}
	p, st, _ := newTestPipeline(t, ins)
	sess := seedSession(t, st, 10)
	ins.failPath = fmt.Sprintf("/data/captures/%s/img_%03d.jpg", sess.ID, 4)

	res, err := p.Analyze(context.Background(), sess.ID, nil)
	if err != nil {
		t.Fatalf("Analyze returned error for a partial failure: %v", err)
	}
	if res.CapturesSeen != 10 {
		t.Errorf("captures seen: %d, want 10", res.CapturesSeen)
	}
	if res.DefectsFound != 9 || len(res.Records) != 9 {
		t.Errorf("defects: found %d, records %d, want 9", res.DefectsFound, len(res.Records))
	}
	if len(res.Failed) != 1 || res.Failed[0].Seq != 4 {
		t.Fatalf("failed items: %+v, want one entry for seq 4", res.Failed)
	}

	persisted, err := st.ListDefects(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 9 {
		t.Errorf("persisted records: %d, want 9", len(persisted))
	}
}

func TestAnalyzeSeverityFromConfiguredThresholds(t *testing.T) {
	cases := []struct {
		area int
		want string
	}{
		{50, SeverityMinor},
		{100, SeverityModerate},
		{499, SeverityModerate},
		{500, SeverityCritical},
	}
	for _, c := range cases {
		ins := &fakeInspector{area: c.area}
		p, st, _ := newTestPipeline(t, ins)
		sess := seedSession(t, st, 1)

		res, err := p.Analyze(context.Background(), sess.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Records) != 1 || res.Records[0].Severity != c.want {
			t.Errorf("area %d: got %+v, want severity %s", c.area, res.Records, c.want)
		}
	}
}

func TestAnalyzePassesDefaultTypes(t *testing.T) {
	ins := &fakeInspector{area: 10}
	p, st, _ := newTestPipeline(t, ins)
	sess := seedSession(t, st, 1)

	if _, err := p.Analyze(context.Background(), sess.ID, nil); err != nil {
		t.Fatal(err)
	}
	want := config.Default().Defect.Types
	if len(ins.gotTypes) != len(want) {
		t.Errorf("inspector types: %v, want defaults %v", ins.gotTypes, want)
	}
}

func TestAnalyzeRecordsSheetDimensions(t *testing.T) {
	length, width := 512.5, 240.0
	ins := &fakeInspector{area: 10, length: &length, width: &width}
	p, st, _ := newTestPipeline(t, ins)
	sess := seedSession(t, st, 1)

	if _, err := p.Analyze(context.Background(), sess.ID, nil); err != nil {
		t.Fatal(err)
	}
	captures, err := st.ListCaptures(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if captures[0].LengthMM == nil || *captures[0].LengthMM != length {
		t.Errorf("capture length: %v, want %v", captures[0].LengthMM, length)
	}
}

func TestAnalyzeLeaseConflictAborts(t *testing.T) {
	ins := &fakeInspector{area: 10}
	p, st, arb := newTestPipeline(t, ins)
	sess := seedSession(t, st, 2)

	held, err := arb.Acquire(context.Background(), arbiter.PipelineDefect)
	if err != nil {
		t.Fatal(err)
	}
	defer arb.Release(held)

	_, err = p.Analyze(context.Background(), sess.ID, nil)
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("held lease: got %v, want ErrResourceUnavailable", err)
	}
	if len(ins.calls) != 0 {
		t.Error("no capture should be inspected without a lease")
	}
}

func TestAnalyzeReleasesLease(t *testing.T) {
	ins := &fakeInspector{area: 10}
	p, st, arb := newTestPipeline(t, ins)
	sess := seedSession(t, st, 1)

	if _, err := p.Analyze(context.Background(), sess.ID, nil); err != nil {
		t.Fatal(err)
	}
	lease, err := arb.TryAcquire(context.Background(), arbiter.PipelineCounting)
	if err != nil {
		t.Fatalf("counting blocked after analysis: %v", err)
	}
	arb.Release(lease)
}

func TestAnalyzeCancellationKeepsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ins := &fakeInspector{area: 10}
	ins.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	p, st, _ := newTestPipeline(t, ins)
	sess := seedSession(t, st, 10)

	res, err := p.Analyze(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("cancellation must not fail the call: %v", err)
	}
	if res.CapturesSeen != 3 {
		t.Errorf("captures seen before cancel: %d, want 3", res.CapturesSeen)
	}

	persisted, err := st.ListDefects(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != len(res.Records) {
		t.Errorf("persisted %d records, result carries %d", len(persisted), len(res.Records))
	}
	if len(persisted) == 0 {
		t.Error("records written before cancellation must remain")
	}
}

func TestAnalyzeUnknownSession(t *testing.T) {
	p, _, _ := newTestPipeline(t, &fakeInspector{})
	if _, err := p.Analyze(context.Background(), "no-such-session", nil); err == nil {
		t.Error("unknown session should error")
	}
}
