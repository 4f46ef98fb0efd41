// Package source feeds frames from a camera, an RTSP stream, or a looping
// video file, recovering from transient decode failures and reconnecting
// when the stream dies.
package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"stackcam/config"
	"stackcam/stats"
)

// ErrEndOfStream means the source is exhausted and reconnects are spent.
var ErrEndOfStream = errors.New("end of stream")

// Frame is one decoded image. Image aliases the source's internal buffer and
// is only valid until the next call to Next; clone it to retain.
type Frame struct {
	Image gocv.Mat
	Seq   uint64
	At    time.Time
}

// Source yields frames on demand.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// VideoSource reads frames with bounded error recovery: a few bad reads are
// retried in place, a dead stream is reopened, a looping file rewinds. File
// playback is paced at the configured FPS; live sources deliver at their own
// cadence.
type VideoSource struct {
	cfg     config.StreamConfig
	metrics *stats.Stats

	cap      *gocv.VideoCapture
	img      gocv.Mat
	seq      uint64
	badReads int
	interval time.Duration
	nextDue  time.Time
	lastRead atomic.Int64
}

// Open connects to cfg.URL: a device index ("0"), an RTSP URL, or a file path.
func Open(cfg config.StreamConfig, metrics *stats.Stats) (*VideoSource, error) {
	s := &VideoSource{cfg: cfg, metrics: metrics, img: gocv.NewMat()}
	if cfg.TargetFPS > 0 && isFileSource(cfg.URL) {
		s.interval = time.Second / time.Duration(cfg.TargetFPS)
	}
	if err := s.connect(); err != nil {
		s.img.Close()
		return nil, err
	}
	return s, nil
}

func (s *VideoSource) connect() error {
	cap, err := gocv.OpenVideoCapture(captureTarget(s.cfg.URL))
	if err != nil {
		return fmt.Errorf("open stream %s: %w", s.cfg.URL, err)
	}
	s.cap = cap
	s.badReads = 0
	s.lastRead.Store(time.Now().UnixNano())
	return nil
}

// captureTarget passes numeric URLs through as device indexes.
func captureTarget(url string) interface{} {
	if idx, err := strconv.Atoi(url); err == nil {
		return idx
	}
	return url
}

// isFileSource reports whether url names a local video file rather than a
// device index or network stream.
func isFileSource(url string) bool {
	if _, err := strconv.Atoi(url); err == nil {
		return false
	}
	return !strings.Contains(url, "://")
}

// Next returns the next frame. It blocks through recovery and returns
// ErrEndOfStream only once reconnect attempts are exhausted.
func (s *VideoSource) Next(ctx context.Context) (Frame, error) {
	if err := s.pace(ctx); err != nil {
		return Frame{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if f, ok := s.take(); ok {
			return f, nil
		}

		s.metrics.DecodeFailures.Add(1)
		s.badReads++

		// A file at its end rewinds when loop playback is on.
		if s.cfg.Loop {
			s.cap.Set(gocv.VideoCapturePosFrames, 0)
			if f, ok := s.take(); ok {
				log.Debug().Uint64("seq", f.Seq).Msg("playback looped")
				return f, nil
			}
		}

		if s.badReads >= s.cfg.MaxConsecutiveErrors {
			if err := s.reconnect(ctx); err != nil {
				return Frame{}, err
			}
		}
	}
}

// pace holds the read back until the next frame is due. Only file sources
// carry an interval.
func (s *VideoSource) pace(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	if wait := time.Until(s.nextDue); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	s.nextDue = time.Now().Add(s.interval)
	return nil
}

func (s *VideoSource) take() (Frame, bool) {
	if !s.cap.Read(&s.img) || !validFrame(s.img) {
		return Frame{}, false
	}
	now := time.Now()
	s.badReads = 0
	s.seq++
	s.lastRead.Store(now.UnixNano())
	s.metrics.FramesIn.Add(1)
	return Frame{Image: s.img, Seq: s.seq, At: now}, true
}

func (s *VideoSource) reconnect(ctx context.Context) error {
	s.cap.Close()
	s.cap = nil
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		log.Warn().Int("attempt", attempt).Str("url", s.cfg.URL).Msg("reconnecting stream")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReconnectDelay()):
		}
		if err := s.connect(); err == nil {
			s.metrics.Reconnects.Add(1)
			log.Info().Str("url", s.cfg.URL).Msg("stream reconnected")
			return nil
		}
	}
	return fmt.Errorf("%s after %d reconnect attempts: %w",
		s.cfg.URL, s.cfg.ReconnectAttempts, ErrEndOfStream)
}

// LastFrame reports when the last good frame arrived; the watchdog polls it.
func (s *VideoSource) LastFrame() time.Time {
	return time.Unix(0, s.lastRead.Load())
}

func (s *VideoSource) Close() error {
	s.img.Close()
	if s.cap == nil {
		return nil
	}
	return s.cap.Close()
}

func validFrame(m gocv.Mat) bool {
	return m.Ptr() != nil && m.Rows() > 0 && m.Cols() > 0
}

// Watchdog raises OnStall once per stall episode when no frame arrives
// within Timeout. It only observes; recovery stays in the read path.
type Watchdog struct {
	Last     func() time.Time
	Timeout  time.Duration
	Interval time.Duration
	OnStall  func(gap time.Duration)
}

// Run blocks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stalled := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gap := time.Since(w.Last())
			if gap > w.Timeout {
				if !stalled {
					stalled = true
					w.OnStall(gap)
				}
			} else {
				stalled = false
			}
		}
	}
}
