package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stackcam/arbiter"
	"stackcam/defect"
	"stackcam/detection"
	"stackcam/dimension"
	"stackcam/events"
	"stackcam/stats"
	"stackcam/store"
)

var analyzeTypes []string

var analyzeCmd = &cobra.Command{
	Use:   "analyze [session-id]",
	Short: "Run defect analysis over a session's captures",
	Long: `Loads the defect locator and segmenter, walks every capture of the session
and writes one defect record plus crop image per finding. Without a
session-id the most recently finished session is analyzed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringSliceVar(&analyzeTypes, "types", nil, "defect types to look for (default: config list)")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Storage.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	var sessionID string
	if len(args) == 1 {
		sessionID = args[0]
	} else {
		sess, err := latestFinishedSession(st)
		if err != nil {
			return err
		}
		if sess == nil {
			return errors.New("no finished session to analyze")
		}
		sessionID = sess.ID
		fmt.Printf("analyzing most recent session %s (%s)\n", sess.ID, sess.Name)
	}

	metrics := stats.New()
	arb := arbiter.New(cfg.Models.MemoryBudgetMB, metrics)
	loader := detection.NewDefectLoader(cfg.Models, cfg.Defect)
	arb.Register(arbiter.PipelineDefect, loader)
	defer arb.Shutdown()

	inspector := detection.NewInspector(loader, dimension.NewEstimator(cfg.Dimension), cfg.Defect, cfg.Storage)
	pipeline := defect.New(arb, st, inspector, cfg, events.NewBus(16), metrics)

	res, err := pipeline.Analyze(ctx, sessionID, analyzeTypes)
	if err != nil {
		return err
	}

	fmt.Printf("\nsession   %s\ncaptures  %d\ndefects   %d\nfailed    %d\nelapsed   %s\n",
		res.SessionID, res.CapturesSeen, res.DefectsFound, len(res.Failed),
		res.ProcessingTime.Round(time.Millisecond))

	if len(res.Records) > 0 {
		fmt.Printf("\n%-12s %-10s %7s %9s  %s\n", "TYPE", "SEVERITY", "CONF", "AREA", "CROP")
		for _, d := range res.Records {
			fmt.Printf("%-12s %-10s %6.1f%% %7dpx  %s\n",
				d.DefectType, d.Severity, d.Confidence*100, d.AreaPx, d.CropPath)
		}
	}
	for _, f := range res.Failed {
		fmt.Printf("capture %d (%s): %v\n", f.Seq, f.Path, f.Err)
	}
	return nil
}

// latestFinishedSession returns the most recent COMPLETED session, or nil
// when none exists. ListSessions orders newest first.
func latestFinishedSession(st *store.Store) (*store.Session, error) {
	sessions, err := st.ListSessions()
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Status == store.StatusCompleted {
			return &sessions[i], nil
		}
	}
	return nil, nil
}
