package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jnesss/bpf-sandbox/config"
	"github.com/jnesss/bpf-sandbox/database"
)

var (
	sessionsLimit int
	sessionsJSON  bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [id]",
	Short: "List journaled sessions, or the detections of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  listSessions,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "number of sessions to show")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "output in JSON format")
	rootCmd.AddCommand(sessionsCmd)
}

func listSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is not set")
	}
	db, err := database.NewDB(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer db.Close()

	if len(args) == 1 {
		return printDetections(db, args[0])
	}

	sessions, err := db.ListSessions(sessionsLimit)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if sessionsJSON {
		return json.NewEncoder(os.Stdout).Encode(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tSTATE\tSTARTED\tEVENTS\tDROPPED\tDETECTIONS")
	for _, s := range sessions {
		state := s.State
		if s.DegradedStop {
			state += " (degraded)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID,
			s.Target,
			state,
			s.StartTime.Format("2006-01-02 15:04:05"),
			s.Committed,
			s.Dropped,
			s.Detections,
		)
	}
	return w.Flush()
}

func printDetections(db *database.DB, id string) error {
	dets, err := db.GetDetections(id)
	if err != nil {
		return fmt.Errorf("loading detections: %w", err)
	}
	if sessionsJSON {
		return json.NewEncoder(os.Stdout).Encode(dets)
	}
	if len(dets) == 0 {
		fmt.Println("No detections")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tPID\tCATEGORY\tOPERATION\tREASON")
	for _, d := range dets {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", d.EventID, d.PID, d.Category, d.Operation, d.Reason)
	}
	return w.Flush()
}
