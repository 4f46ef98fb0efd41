// Package session runs counting sessions against the ledger: it owns the
// lifecycle (start, accumulate, finish), persists one capture per committed
// sheet through a single writer, and raises a discrepancy alert when the
// final count misses the target.
package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"stackcam/config"
	"stackcam/events"
	"stackcam/stats"
	"stackcam/store"
)

// Alert directions reported by Finish.
const (
	DirectionUnder = "UNDER"
	DirectionOver  = "OVER"
)

// queueDepth bounds pending capture jobs. Commits arrive at most once per
// stack placement, so a handful of slots absorbs any disk hiccup.
const queueDepth = 16

// ImageWriter persists one frame to disk. capture.Frame satisfies it; tests
// substitute fakes. The manager calls Close exactly once per writer.
type ImageWriter interface {
	Write(path string) error
	Close()
}

// Alert describes a count/target mismatch at session end.
type Alert struct {
	Direction string
	Magnitude int
}

// Summary is the result of finishing a session.
type Summary struct {
	Session *store.Session
	Alert   *Alert
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	Active       bool
	SessionID    string
	Name         string
	TargetCount  int
	CurrentCount int
	StartTime    time.Time
	Pending      int
}

type commitJob struct {
	sess   *store.Session
	at     time.Time
	writer ImageWriter
	flush  chan struct{}
}

// Manager serializes all capture persistence through one worker goroutine,
// so sequence numbers extend the ledger one at a time with no gaps. The
// in-memory count only advances after both the image write and the ledger
// append succeed; a failed capture is logged and the sequence slot is reused.
type Manager struct {
	st      *store.Store
	bus     *events.Bus
	metrics *stats.Stats
	storage config.StorageConfig

	mu        sync.Mutex
	active    *store.Session
	committed int

	jobs chan commitJob
	done chan struct{}
	stop sync.Once
}

// New builds a manager and adopts a session left ACTIVE by a previous run,
// so a crash mid-session resumes counting instead of orphaning the ledger.
func New(st *store.Store, bus *events.Bus, metrics *stats.Stats, storage config.StorageConfig) (*Manager, error) {
	m := &Manager{
		st:      st,
		bus:     bus,
		metrics: metrics,
		storage: storage,
		jobs:    make(chan commitJob, queueDepth),
		done:    make(chan struct{}),
	}

	sess, err := st.ActiveSession()
	if err != nil {
		return nil, fmt.Errorf("adopt active session: %w", err)
	}
	if sess != nil {
		m.active = sess
		m.committed = sess.CurrentCount
		log.Info().
			Str("session", sess.ID).
			Str("name", sess.Name).
			Int("count", sess.CurrentCount).
			Msg("resuming active session")
	}

	go m.run()
	return m, nil
}

// Start opens a new counting session. Fails with store.ErrActiveSessionExists
// while another session is running.
func (m *Manager) Start(name string, targetCount int) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, fmt.Errorf("session %s: %w", m.active.ID, store.ErrActiveSessionExists)
	}
	sess, err := m.st.CreateSession(name, targetCount)
	if err != nil {
		return nil, err
	}
	m.active = sess
	m.committed = 0

	log.Info().
		Str("session", sess.ID).
		Str("name", name).
		Int("target", targetCount).
		Msg("session started")
	m.bus.Publish(events.Event{
		Kind:      events.KindSessionStarted,
		At:        sess.StartTime,
		SessionID: sess.ID,
		Detail:    name,
	})
	return sess, nil
}

// OnCommit accepts one committed count event. Without an active session the
// event is dropped with a log line; with a full queue it is dropped and
// counted as a capture error. Either way the writer is released.
func (m *Manager) OnCommit(at time.Time, confidence float64, w ImageWriter) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()

	if sess == nil {
		log.Warn().Time("at", at).Msg("count committed with no active session, dropping")
		w.Close()
		return
	}

	m.metrics.Commits.Add(1)
	select {
	case m.jobs <- commitJob{sess: sess, at: at, writer: w}:
	default:
		m.metrics.CaptureErrors.Add(1)
		log.Error().Str("session", sess.ID).Msg("capture queue full, dropping commit")
		w.Close()
	}
}

// Finish drains pending captures, closes the session and reports the final
// tally. The alert is nil when the count landed exactly on target.
func (m *Manager) Finish() (*Summary, error) {
	m.mu.Lock()
	sess := m.active
	m.active = nil
	m.mu.Unlock()
	if sess == nil {
		return nil, store.ErrNoActiveSession
	}

	m.drain()

	finished, err := m.st.FinishSession(sess.ID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("finish session %s: %w", sess.ID, err)
	}

	summary := &Summary{Session: finished}
	if d := finished.CurrentCount - finished.TargetCount; d != 0 {
		alert := &Alert{Direction: DirectionOver, Magnitude: d}
		if d < 0 {
			alert = &Alert{Direction: DirectionUnder, Magnitude: -d}
		}
		summary.Alert = alert
		log.Warn().
			Str("session", finished.ID).
			Int("count", finished.CurrentCount).
			Int("target", finished.TargetCount).
			Str("direction", alert.Direction).
			Int("magnitude", alert.Magnitude).
			Msg("count discrepancy")
		m.bus.Publish(events.Event{
			Kind:      events.KindAlertRaised,
			At:        time.Now(),
			SessionID: finished.ID,
			Count:     finished.CurrentCount,
			Direction: alert.Direction,
			Magnitude: alert.Magnitude,
		})
	}

	log.Info().
		Str("session", finished.ID).
		Int("count", finished.CurrentCount).
		Int("target", finished.TargetCount).
		Msg("session finished")
	m.bus.Publish(events.Event{
		Kind:      events.KindSessionFinished,
		At:        time.Now(),
		SessionID: finished.ID,
		Count:     finished.CurrentCount,
	})
	return summary, nil
}

// Status reports the live session and queue state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Pending: len(m.jobs)}
	if m.active != nil {
		st.Active = true
		st.SessionID = m.active.ID
		st.Name = m.active.Name
		st.TargetCount = m.active.TargetCount
		st.StartTime = m.active.StartTime
		st.CurrentCount = m.committed
	}
	return st
}

// Close drains the queue and stops the worker. The active session, if any,
// stays ACTIVE in the ledger and is adopted on the next run.
func (m *Manager) Close() {
	m.stop.Do(func() {
		m.drain()
		close(m.jobs)
		<-m.done
	})
}

// drain blocks until every job enqueued before it has been handled.
func (m *Manager) drain() {
	flush := make(chan struct{})
	m.jobs <- commitJob{flush: flush}
	<-flush
}

func (m *Manager) run() {
	defer close(m.done)
	for job := range m.jobs {
		if job.flush != nil {
			close(job.flush)
			continue
		}
		m.handle(job)
	}
}

// handle persists one capture. The sequence number is assigned here, on the
// single worker, as committed+1: a failed write or append leaves the count
// untouched and the next commit takes the same slot, so the ledger never
// skips an index. The shortfall surfaces as an UNDER alert at finish.
func (m *Manager) handle(job commitJob) {
	defer job.writer.Close()
	start := time.Now()

	m.mu.Lock()
	seq := m.committed + 1
	m.mu.Unlock()

	path := filepath.Join(m.storage.CaptureDir(job.sess.ID), fmt.Sprintf("img_%03d.jpg", seq))
	if err := job.writer.Write(path); err != nil {
		m.metrics.CaptureErrors.Add(1)
		log.Error().Err(err).Str("session", job.sess.ID).Int("seq", seq).Msg("capture write failed")
		return
	}

	entry, err := m.st.AppendCapture(job.sess.ID, seq, path, job.at)
	if err != nil {
		m.metrics.CaptureErrors.Add(1)
		log.Error().Err(err).Str("session", job.sess.ID).Int("seq", seq).Msg("ledger append failed")
		return
	}

	m.mu.Lock()
	m.committed = seq
	m.mu.Unlock()
	m.metrics.CapturesWritten.Add(1)
	m.metrics.ObserveStage(stats.StageCapture, time.Since(start))

	log.Info().
		Str("session", job.sess.ID).
		Int("count", seq).
		Str("path", path).
		Msg("sheet counted")
	m.bus.Publish(events.Event{
		Kind:      events.KindCountChanged,
		At:        job.at,
		SessionID: job.sess.ID,
		Count:     seq,
		Sequence:  seq,
	})
	m.bus.Publish(events.Event{
		Kind:      events.KindCaptureSaved,
		At:        entry.CapturedAt,
		SessionID: job.sess.ID,
		Count:     seq,
		Sequence:  seq,
		Path:      path,
	})
}
