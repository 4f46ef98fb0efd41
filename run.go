package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"stackcam/arbiter"
	"stackcam/capture"
	"stackcam/config"
	"stackcam/counting"
	"stackcam/defect"
	"stackcam/detection"
	"stackcam/dimension"
	"stackcam/events"
	"stackcam/motion"
	"stackcam/session"
	"stackcam/source"
	"stackcam/stats"
	"stackcam/store"
)

var (
	runInput       string
	runSessionName string
	runTarget      int
	runListen      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live counting monitor",
	Long: `Watches the stream, counts sheet placements into the active session and
saves one capture per count. The control listener exposes /status,
/session/start, /session/finish and /analyze next to /metrics, so sessions
can be driven while the monitor runs.`,
	RunE: runMonitor,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "stream override: RTSP URL, device index or video file")
	runCmd.Flags().StringVar(&runSessionName, "session", "", "start a session with this name immediately")
	runCmd.Flags().IntVar(&runTarget, "target", 0, "expected sheet count for --session")
	runCmd.Flags().StringVar(&runListen, "listen", "", "control/metrics address override, e.g. :9100")
}

// monitor owns the frame loop and everything the control listener can poke.
type monitor struct {
	cfg      *config.Config
	st       *store.Store
	bus      *events.Bus
	metrics  *stats.Stats
	arb      *arbiter.Arbiter
	counting *detection.CountingLoader
	gate     *motion.Gate
	machine  *counting.Machine
	mgr      *session.Manager
	analyzer *defect.Pipeline
	src      *source.VideoSource
	runCtx   context.Context

	lease *arbiter.Lease

	// machineState mirrors the loop-owned machine for the status endpoint.
	machineState atomic.Int32
	// resetPending asks the loop to restart its cycle from a clean reference,
	// set when a session starts over the control listener.
	resetPending atomic.Bool
	analyzing    atomic.Bool
	wg           sync.WaitGroup
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runInput != "" {
		cfg.Stream.URL = runInput
	}
	if cfg.Stream.URL == "" {
		return errors.New("no input stream: set stream.url in the config or pass --input")
	}
	if runListen != "" {
		cfg.Metrics.ListenAddr = runListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Storage.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := stats.New()
	bus := events.NewBus(64)

	arb := arbiter.New(cfg.Models.MemoryBudgetMB, metrics)
	countingLoader := detection.NewCountingLoader(cfg.Models)
	defectLoader := detection.NewDefectLoader(cfg.Models, cfg.Defect)
	arb.Register(arbiter.PipelineCounting, countingLoader)
	arb.Register(arbiter.PipelineDefect, defectLoader)
	defer arb.Shutdown()

	mgr, err := session.New(st, bus, metrics, cfg.Storage)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if runSessionName != "" {
		if _, err := mgr.Start(runSessionName, runTarget); err != nil {
			return err
		}
	}

	// Low-latency RTSP capture options must be set before the stream opens.
	if strings.HasPrefix(cfg.Stream.URL, "rtsp") {
		os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", "rtsp_transport;tcp|buffer_size;65536|stimeout;5000000")
	}
	src, err := source.Open(cfg.Stream, metrics)
	if err != nil {
		return err
	}
	defer src.Close()

	inspector := detection.NewInspector(defectLoader, dimension.NewEstimator(cfg.Dimension), cfg.Defect, cfg.Storage)

	m := &monitor{
		cfg:      cfg,
		st:       st,
		bus:      bus,
		metrics:  metrics,
		arb:      arb,
		counting: countingLoader,
		gate:     motion.NewGate(cfg.Motion),
		machine:  counting.NewMachine(cfg.Counting),
		mgr:      mgr,
		analyzer: defect.New(arb, st, inspector, cfg, bus, metrics),
		src:      src,
		runCtx:   ctx,
	}

	if cfg.Metrics.ListenAddr != "" {
		m.serveControl(ctx, cfg.Metrics.ListenAddr)
	}

	go (&source.Watchdog{
		Last:    src.LastFrame,
		Timeout: cfg.Stream.StallTimeout(),
		OnStall: func(gap time.Duration) {
			metrics.SourceStalls.Add(1)
			log.Warn().Dur("gap", gap).Str("url", cfg.Stream.URL).Msg("no frames from source")
		},
	}).Run(ctx)

	go logEvents(ctx, bus)
	go reportLoop(ctx, metrics)

	err = m.loop(ctx)
	m.wg.Wait()
	return err
}

func (m *monitor) loop(ctx context.Context) error {
	defer m.gate.Close()
	defer func() { m.arb.Release(m.lease) }()

	log.Info().Str("url", m.cfg.Stream.URL).Msg("monitor running")
	firstFrame := true

	for {
		readStart := time.Now()
		frame, err := m.src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("shutting down")
				return nil
			}
			return err
		}
		m.metrics.ObserveStage(stats.StageRead, time.Since(readStart))

		if firstFrame {
			firstFrame = false
			log.Info().Int("width", frame.Image.Cols()).Int("height", frame.Image.Rows()).Msg("stream open")
		}

		if m.resetPending.CompareAndSwap(true, false) {
			m.gate.Reset()
			m.machine.Reset()
		}

		motionStart := time.Now()
		sample := m.gate.Observe(frame.Image)
		m.metrics.ObserveStage(stats.StageMotion, time.Since(motionStart))

		in := counting.Input{
			At:          frame.At,
			SceneStable: sample.Classification == motion.Stable,
			Held:        sample.Held,
		}
		if sample.Held {
			m.metrics.HeldOverFrames.Add(1)
		}

		if m.shouldDetect(in) {
			if best, ok := m.detect(ctx, frame.Image); !ok {
				in.Held = true
				m.metrics.HeldOverFrames.Add(1)
			} else if best != nil {
				in.HasDetection = true
				in.Confidence = best.Confidence
			}
		}

		res := m.machine.Tick(in)
		m.machineState.Store(int32(m.machine.State()))

		if res.Transitioned {
			log.Debug().
				Str("from", res.From.String()).
				Str("to", res.To.String()).
				Float64("score", sample.Score).
				Msg("counting state")
			m.bus.Publish(events.Event{
				Kind:      events.KindStateChanged,
				At:        frame.At,
				SessionID: m.mgr.Status().SessionID,
				FromState: res.From.String(),
				ToState:   res.To.String(),
			})
		}

		if res.Commit != nil {
			log.Debug().
				Float64("confidence", res.Commit.Confidence).
				Dur("dwell", res.Commit.Dwell).
				Msg("placement committed")
			w := capture.NewFrame(frame.Image, m.cfg.Storage.JPEGQuality)
			m.mgr.OnCommit(res.Commit.At, res.Commit.Confidence, w)
		}
	}
}

// shouldDetect gates inference to the ticks that can use it: the machine
// consults the detector only on stable frames while a placement cycle is in
// flight. Idle stretches keep the accelerator untouched.
func (m *monitor) shouldDetect(in counting.Input) bool {
	if in.Held || !in.SceneStable {
		return false
	}
	switch m.machine.State() {
	case counting.StateOccluded, counting.StateVerifying:
		return true
	default:
		return false
	}
}

// detect runs one budgeted detector call. ok is false when the tick must be
// held instead: the defect pipeline owns the accelerator, the model cannot
// load, or inference overran its budget.
func (m *monitor) detect(ctx context.Context, img gocv.Mat) (*detection.Detection, bool) {
	if m.lease == nil || !m.lease.Valid() {
		// Analysis preempted us. Re-enter politely once it lets go rather
		// than yanking the models back mid-batch.
		m.arb.Release(m.lease)
		lease, err := m.arb.TryAcquire(ctx, arbiter.PipelineCounting)
		if err != nil {
			if !errors.Is(err, arbiter.ErrResourceBusy) {
				log.Error().Err(err).Msg("counting model unavailable")
			}
			return nil, false
		}
		m.lease = lease
		log.Info().Msg("counting model leased")
	}

	start := time.Now()
	dets, err := m.counting.Detect(img)
	elapsed := time.Since(start)
	m.metrics.ObserveDetector(elapsed)

	if err != nil {
		log.Error().Err(err).Msg("sheet detector failed")
		return nil, false
	}
	if budget := m.cfg.Counting.DetectorBudget(); elapsed > budget {
		m.metrics.LatencyViolations.Add(1)
		log.Debug().Dur("took", elapsed).Dur("budget", budget).Msg("detector over budget, holding tick")
		return nil, false
	}

	if best, found := detection.Best(dets); found {
		return &best, true
	}
	return nil, true
}

// --- control listener ---

func (m *monitor) serveControl(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.metrics.Handler())
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/session/start", m.handleSessionStart)
	mux.HandleFunc("/session/finish", m.handleSessionFinish)
	mux.HandleFunc("/analyze", m.handleAnalyze)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("control listener up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("control listener failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
}

type statusResponse struct {
	Session         session.Status `json:"session"`
	MachineState    string         `json:"machine_state"`
	CountingLoaded  bool           `json:"counting_model_resident"`
	DefectLoaded    bool           `json:"defect_model_resident"`
	AnalysisRunning bool           `json:"analysis_running"`
}

func (m *monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Session:         m.mgr.Status(),
		MachineState:    counting.State(m.machineState.Load()).String(),
		CountingLoaded:  m.arb.Resident(arbiter.PipelineCounting),
		DefectLoaded:    m.arb.Resident(arbiter.PipelineDefect),
		AnalysisRunning: m.analyzing.Load(),
	})
}

func (m *monitor) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	target, err := strconv.Atoi(r.URL.Query().Get("target"))
	if err != nil || target < 0 {
		http.Error(w, "target must be a non-negative integer", http.StatusBadRequest)
		return
	}

	sess, err := m.mgr.Start(name, target)
	if errors.Is(err, store.ErrActiveSessionExists) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.resetPending.Store(true)
	writeJSON(w, http.StatusCreated, sess)
}

func (m *monitor) handleSessionFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	summary, err := m.mgr.Finish()
	if errors.Is(err, store.ErrNoActiveSession) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAnalyze kicks off defect analysis in the background. The arbiter
// preempts the counting lease, so the frame loop idles on held ticks until
// the analysis run releases the accelerator.
func (m *monitor) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		if status := m.mgr.Status(); status.Active {
			sessionID = status.SessionID
		} else {
			sess, err := latestFinishedSession(m.st)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if sess == nil {
				http.Error(w, "no session to analyze", http.StatusNotFound)
				return
			}
			sessionID = sess.ID
		}
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = strings.Split(raw, ",")
	}

	if !m.analyzing.CompareAndSwap(false, true) {
		http.Error(w, "analysis already running", http.StatusConflict)
		return
	}

	// The run outlives the request; it is cancelled with the monitor, so an
	// interrupt mid-analysis keeps the records persisted so far.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.analyzing.Store(false)
		res, err := m.analyzer.Analyze(m.runCtx, sessionID, types)
		if err != nil {
			log.Error().Err(err).Str("session", sessionID).Msg("analysis failed")
			return
		}
		log.Info().
			Str("session", res.SessionID).
			Int("captures", res.CapturesSeen).
			Int("defects", res.DefectsFound).
			Int("failed", len(res.Failed)).
			Dur("took", res.ProcessingTime).
			Msg("analysis complete")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"session": sessionID})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

// --- background consumers ---

func logEvents(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			log.Debug().
				Str("kind", ev.Kind.String()).
				Str("session", ev.SessionID).
				Int("count", ev.Count).
				Msg("event")
		}
	}
}

// reportLoop prints a periodic per-stage digest, mirroring what the metrics
// listener exposes for scraping.
func reportLoop(ctx context.Context, metrics *stats.Stats) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := metrics.Report()
			if len(report) == 0 {
				continue
			}
			ev := log.Info()
			for name, sr := range report {
				ev = ev.Str(name, fmt.Sprintf("%.1f/s avg %s", sr.Rate, sr.Avg.Round(100*time.Microsecond)))
			}
			ev.Msg("pipeline report")
		}
	}
}
