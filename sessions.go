package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stackcam/session"
	"stackcam/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's ledger, captures and defects",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	sessionsCmd.AddCommand(sessionsShowCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Storage.DBPath())
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	fmt.Printf("%-36s %-16s %-9s %6s %6s  %s\n", "ID", "NAME", "STATUS", "COUNT", "TARGET", "STARTED")
	for _, s := range sessions {
		fmt.Printf("%-36s %-16s %-9s %6d %6d  %s\n",
			s.ID, s.Name, s.Status, s.CurrentCount, s.TargetCount,
			s.StartTime.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.GetSession(args[0])
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", args[0])
	}

	fmt.Printf("session  %s\nname     %s\nstatus   %s\ncount    %d of %d target\nstarted  %s\n",
		sess.ID, sess.Name, sess.Status, sess.CurrentCount, sess.TargetCount,
		sess.StartTime.Local().Format("2006-01-02 15:04:05"))
	if sess.EndTime != nil {
		fmt.Printf("finished %s\n", sess.EndTime.Local().Format("2006-01-02 15:04:05"))
	}
	if sess.Status == store.StatusCompleted && sess.CurrentCount != sess.TargetCount {
		direction, magnitude := session.DirectionOver, sess.CurrentCount-sess.TargetCount
		if magnitude < 0 {
			direction, magnitude = session.DirectionUnder, -magnitude
		}
		fmt.Printf("alert    %s by %d\n", direction, magnitude)
	}

	caps, err := st.ListCaptures(sess.ID)
	if err != nil {
		return err
	}
	if len(caps) > 0 {
		fmt.Printf("\n%4s  %-20s %-22s  %s\n", "SEQ", "CAPTURED", "DIMENSIONS", "IMAGE")
		for _, c := range caps {
			dims := "-"
			if c.LengthMM != nil && c.WidthMM != nil {
				dims = fmt.Sprintf("%.0f x %.0f mm", *c.LengthMM, *c.WidthMM)
			}
			fmt.Printf("%4d  %-20s %-22s  %s\n",
				c.Seq, c.CapturedAt.Local().Format("2006-01-02 15:04:05"), dims, c.ImagePath)
		}
	}

	defects, err := st.ListDefects(sess.ID)
	if err != nil {
		return err
	}
	if len(defects) > 0 {
		fmt.Printf("\n%-12s %-10s %6s %9s  %s\n", "TYPE", "SEVERITY", "CONF", "AREA", "CROP")
		for _, d := range defects {
			fmt.Printf("%-12s %-10s %5.1f%% %7dpx  %s\n",
				d.DefectType, d.Severity, d.Confidence*100, d.AreaPx, d.CropPath)
		}
	}
	return nil
}
