package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stackcam/config"
	"stackcam/events"
	"stackcam/stats"
	"stackcam/store"
)

type fakeWriter struct {
	mu     sync.Mutex
	err    error
	path   string
	closed int
}

func (w *fakeWriter) Write(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.path = path
	return nil
}

func (w *fakeWriter) Close() {
	w.mu.Lock()
	w.closed++
	w.mu.Unlock()
}

func (w *fakeWriter) closedTimes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *events.Bus, *stats.Stats) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(256)
	metrics := stats.New()
	storage := config.StorageConfig{DataDir: dir, JPEGQuality: 85}

	m, err := New(st, bus, metrics, storage)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m, st, bus, metrics
}

func collect(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countKind(evs []events.Event, k events.Kind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func TestStartCommitFinish(t *testing.T) {
	m, st, bus, _ := newTestManager(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	sess, err := m.Start("batch-A", 3)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		m.OnCommit(time.Now(), 0.9, &fakeWriter{})
	}

	summary, err := m.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if summary.Session.CurrentCount != 3 {
		t.Fatalf("final count = %d, want 3", summary.Session.CurrentCount)
	}
	if summary.Alert != nil {
		t.Fatalf("alert = %+v, want none when count hits target", summary.Alert)
	}
	if summary.Session.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want %s", summary.Session.Status, store.StatusCompleted)
	}
	if summary.Session.EndTime == nil {
		t.Fatal("end time not stamped")
	}

	caps, err := st.ListCaptures(sess.ID)
	if err != nil {
		t.Fatalf("list captures: %v", err)
	}
	if len(caps) != 3 {
		t.Fatalf("captures = %d, want 3", len(caps))
	}
	for i, entry := range caps {
		if entry.Seq != i+1 {
			t.Fatalf("capture %d seq = %d, want %d", i, entry.Seq, i+1)
		}
		wantName := fmt.Sprintf("img_%03d.jpg", i+1)
		if filepath.Base(entry.ImagePath) != wantName {
			t.Fatalf("capture %d path = %s, want basename %s", i, entry.ImagePath, wantName)
		}
	}

	evs := collect(ch)
	if countKind(evs, events.KindSessionStarted) != 1 {
		t.Fatalf("session started events = %d, want 1", countKind(evs, events.KindSessionStarted))
	}
	if countKind(evs, events.KindCountChanged) != 3 {
		t.Fatalf("count changed events = %d, want 3", countKind(evs, events.KindCountChanged))
	}
	if countKind(evs, events.KindCaptureSaved) != 3 {
		t.Fatalf("capture saved events = %d, want 3", countKind(evs, events.KindCaptureSaved))
	}
	if countKind(evs, events.KindSessionFinished) != 1 {
		t.Fatalf("session finished events = %d, want 1", countKind(evs, events.KindSessionFinished))
	}
	if countKind(evs, events.KindAlertRaised) != 0 {
		t.Fatalf("alert events = %d, want 0", countKind(evs, events.KindAlertRaised))
	}
}

func TestUnderTargetAlert(t *testing.T) {
	m, _, bus, _ := newTestManager(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	if _, err := m.Start("short-run", 5); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		m.OnCommit(time.Now(), 0.9, &fakeWriter{})
	}

	summary, err := m.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if summary.Alert == nil {
		t.Fatal("want an alert for 3/5")
	}
	if summary.Alert.Direction != DirectionUnder || summary.Alert.Magnitude != 2 {
		t.Fatalf("alert = %+v, want UNDER by 2", summary.Alert)
	}

	var raised *events.Event
	for _, ev := range collect(ch) {
		if ev.Kind == events.KindAlertRaised {
			raised = &ev
			break
		}
	}
	if raised == nil {
		t.Fatal("no alert event published")
	}
	if raised.Direction != DirectionUnder || raised.Magnitude != 2 {
		t.Fatalf("alert event = %+v, want UNDER by 2", raised)
	}
}

func TestOverTargetAlert(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.Start("long-run", 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		m.OnCommit(time.Now(), 0.9, &fakeWriter{})
	}

	summary, err := m.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if summary.Alert == nil || summary.Alert.Direction != DirectionOver || summary.Alert.Magnitude != 1 {
		t.Fatalf("alert = %+v, want OVER by 1", summary.Alert)
	}
}

func TestSecondStartRejected(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.Start("first", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := m.Start("second", 10)
	if !errors.Is(err, store.ErrActiveSessionExists) {
		t.Fatalf("second start err = %v, want ErrActiveSessionExists", err)
	}

	// The running session is untouched by the rejected start.
	status := m.Status()
	if !status.Active || status.Name != "first" {
		t.Fatalf("status = %+v, want first session still active", status)
	}
}

func TestFinishWithoutActiveSession(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.Finish(); !errors.Is(err, store.ErrNoActiveSession) {
		t.Fatalf("finish err = %v, want ErrNoActiveSession", err)
	}

	if _, err := m.Start("once", 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := m.Finish(); !errors.Is(err, store.ErrNoActiveSession) {
		t.Fatalf("repeat finish err = %v, want ErrNoActiveSession", err)
	}
}

func TestCommitWithoutSessionDropped(t *testing.T) {
	m, st, _, metrics := newTestManager(t)

	w := &fakeWriter{}
	m.OnCommit(time.Now(), 0.95, w)

	if w.closedTimes() != 1 {
		t.Fatalf("writer closed %d times, want 1", w.closedTimes())
	}
	if got := metrics.Commits.Load(); got != 0 {
		t.Fatalf("commits metric = %d, want 0 for a dropped event", got)
	}
	sessions, err := st.ListSessions()
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions = %d, want none", len(sessions))
	}
}

func TestWriteFailureReusesSequenceSlot(t *testing.T) {
	m, st, _, metrics := newTestManager(t)

	sess, err := m.Start("flaky-disk", 3)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	good1 := &fakeWriter{}
	bad := &fakeWriter{err: errors.New("disk full")}
	good2 := &fakeWriter{}
	m.OnCommit(time.Now(), 0.9, good1)
	m.OnCommit(time.Now(), 0.9, bad)
	m.OnCommit(time.Now(), 0.9, good2)

	summary, err := m.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if summary.Session.CurrentCount != 2 {
		t.Fatalf("final count = %d, want 2 after one failed capture", summary.Session.CurrentCount)
	}
	if summary.Alert == nil || summary.Alert.Direction != DirectionUnder || summary.Alert.Magnitude != 1 {
		t.Fatalf("alert = %+v, want UNDER by 1 from the lost capture", summary.Alert)
	}
	if got := metrics.CaptureErrors.Load(); got != 1 {
		t.Fatalf("capture errors = %d, want 1", got)
	}

	caps, err := st.ListCaptures(sess.ID)
	if err != nil {
		t.Fatalf("list captures: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("captures = %d, want 2", len(caps))
	}
	// The failed commit's slot is taken by the next success: 1, 2 with no gap.
	if caps[0].Seq != 1 || caps[1].Seq != 2 {
		t.Fatalf("seqs = %d, %d, want 1, 2", caps[0].Seq, caps[1].Seq)
	}
	if filepath.Base(good2.path) != "img_002.jpg" {
		t.Fatalf("retried slot path = %s, want img_002.jpg", good2.path)
	}
	for i, w := range []*fakeWriter{good1, bad, good2} {
		if w.closedTimes() != 1 {
			t.Fatalf("writer %d closed %d times, want 1", i, w.closedTimes())
		}
	}
}

func TestAdoptsActiveSessionAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	bus := events.NewBus(64)
	storage := config.StorageConfig{DataDir: dir, JPEGQuality: 85}

	m1, err := New(st, bus, stats.New(), storage)
	if err != nil {
		t.Fatalf("first manager: %v", err)
	}
	if _, err := m1.Start("overnight", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	m1.OnCommit(time.Now(), 0.9, &fakeWriter{})
	m1.OnCommit(time.Now(), 0.9, &fakeWriter{})
	m1.Close()

	m2, err := New(st, bus, stats.New(), storage)
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	defer m2.Close()

	status := m2.Status()
	if !status.Active || status.Name != "overnight" {
		t.Fatalf("status = %+v, want adopted session", status)
	}
	if status.CurrentCount != 2 {
		t.Fatalf("adopted count = %d, want 2", status.CurrentCount)
	}

	m2.OnCommit(time.Now(), 0.9, &fakeWriter{})
	summary, err := m2.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if summary.Session.CurrentCount != 3 {
		t.Fatalf("final count = %d, want 3 continuing from the adopted ledger", summary.Session.CurrentCount)
	}
}

func TestSequenceGapFreeUnderConcurrentCommits(t *testing.T) {
	m, st, _, metrics := newTestManager(t)

	sess, err := m.Start("load", 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	const workers, perWorker = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.OnCommit(time.Now(), 0.9, &fakeWriter{})
			}
		}()
	}
	wg.Wait()

	summary, err := m.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	caps, err := st.ListCaptures(sess.ID)
	if err != nil {
		t.Fatalf("list captures: %v", err)
	}
	if summary.Session.CurrentCount != len(caps) {
		t.Fatalf("count %d != ledger rows %d", summary.Session.CurrentCount, len(caps))
	}
	for i, entry := range caps {
		if entry.Seq != i+1 {
			t.Fatalf("ledger gap: row %d has seq %d", i, entry.Seq)
		}
	}
	// Queue overflow may drop commits, but every drop is accounted for and
	// never leaves a hole in the sequence.
	total := len(caps) + int(metrics.CaptureErrors.Load())
	if total != workers*perWorker {
		t.Fatalf("persisted %d + dropped %d != submitted %d",
			len(caps), metrics.CaptureErrors.Load(), workers*perWorker)
	}
}

func TestStatusTracksWorkerProgress(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	status := m.Status()
	if status.Active {
		t.Fatalf("status = %+v, want inactive before start", status)
	}

	if _, err := m.Start("snapshot", 7); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.OnCommit(time.Now(), 0.9, &fakeWriter{})
	m.OnCommit(time.Now(), 0.9, &fakeWriter{})
	m.drain()

	status = m.Status()
	if !status.Active || status.SessionID == "" {
		t.Fatalf("status = %+v, want active session", status)
	}
	if status.TargetCount != 7 || status.CurrentCount != 2 {
		t.Fatalf("status = %+v, want 2/7", status)
	}
}
