package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Room     string
	Entity   string // optional - filter to one entity
	Verify   bool
}

// TraceEvent is one logged change event in the timeline.
type TraceEvent struct {
	Seq       int64             `json:"seq"`
	Kind      string            `json:"kind"`
	EntityID  string            `json:"entity_id"`
	Origin    string            `json:"origin_actor"`
	Node      string            `json:"origin_node"`
	Version   int64             `json:"version,omitempty"`
	Clock     model.VectorClock `json:"vector_clock"`
	EmittedAt time.Time         `json:"emitted_at"`
}

// DivergenceReport describes one entity whose stored state differs from a
// replay of the log.
type DivergenceReport struct {
	EntityID        string `json:"entity_id"`
	StoredVersion   int64  `json:"stored_version"`   // 0 when absent from the entities table
	ReplayedVersion int64  `json:"replayed_version"` // 0 when absent after replay
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Room        string             `json:"room"`
	Timeline    []TraceEvent       `json:"timeline"`
	Stats       TraceStats         `json:"stats"`
	Verified    *bool              `json:"verified,omitempty"`
	Divergences []DivergenceReport `json:"divergences,omitempty"`
}

// TraceStats holds summary statistics for the room log.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deleted     int `json:"deleted"`
	Entities    int `json:"entities"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show a room's event log",
		Long: `Show the committed change events of one room in log order.

With --verify the log is replayed from empty state and compared with the
materialized entities; any divergence fails the command.

Examples:
  tandem trace --db ./tandem.db --room project:board
  tandem trace --db ./tandem.db --room project:board --entity t1
  tandem trace --db ./tandem.db --room project:board --verify --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room id to trace (required)")
	_ = cmd.MarkFlagRequired("room")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "filter to one entity id")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay the log and compare with stored state")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	// Opening a missing path would create an empty database.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	events, err := st.ReadEvents(ctx, opts.Room, 0, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := TraceResult{Room: opts.Room, Timeline: buildTimeline(events, opts.Entity)}
	result.Stats = buildStats(result.Timeline)

	if opts.Verify {
		divergences, err := st.Verify(ctx, opts.Room)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to verify room", err)
		}
		ok := len(divergences) == 0
		result.Verified = &ok
		for _, d := range divergences {
			result.Divergences = append(result.Divergences, divergenceReport(d))
		}
	}

	out := opts.formatter(cmd)
	if out.JSON() {
		var failure *CLIError
		if len(result.Divergences) > 0 {
			failure = &CLIError{
				Code:    CodeDiverged,
				Message: fmt.Sprintf("%d entities diverge from the event log", len(result.Divergences)),
			}
		}
		if err := out.Report(result, failure); err != nil {
			return err
		}
	} else {
		outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	}

	if len(result.Divergences) > 0 {
		return WrapExitError(ExitFailure,
			fmt.Sprintf("%d entities diverge", len(result.Divergences)), store.ErrDiverged)
	}
	return nil
}

// buildTimeline converts logged events to timeline entries. When
// entityFilter is set only that entity's events are kept.
func buildTimeline(events []model.ChangeEvent, entityFilter string) []TraceEvent {
	timeline := []TraceEvent{}
	for _, ev := range events {
		if entityFilter != "" && ev.EntityID != entityFilter {
			continue
		}
		te := TraceEvent{
			Seq:       ev.Seq,
			Kind:      ev.Kind.String(),
			EntityID:  ev.EntityID,
			Origin:    ev.OriginActorID,
			Node:      ev.OriginNodeID,
			Clock:     ev.VectorClock,
			EmittedAt: ev.EmittedAt,
		}
		if ev.Payload != nil {
			te.Version = ev.Payload.Version
		}
		timeline = append(timeline, te)
	}
	return timeline
}

func buildStats(timeline []TraceEvent) TraceStats {
	stats := TraceStats{TotalEvents: len(timeline)}
	entities := make(map[string]bool)
	for _, te := range timeline {
		entities[te.EntityID] = true
		switch te.Kind {
		case model.KindCreated.String():
			stats.Created++
		case model.KindUpdated.String():
			stats.Updated++
		case model.KindDeleted.String():
			stats.Deleted++
		}
	}
	stats.Entities = len(entities)
	return stats
}

func divergenceReport(d store.Divergence) DivergenceReport {
	r := DivergenceReport{EntityID: d.EntityID}
	if d.Stored != nil {
		r.StoredVersion = d.Stored.Version
	}
	if d.Replayed != nil {
		r.ReplayedVersion = d.Replayed.Version
	}
	return r
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for Room: %s\n", result.Room)
	fmt.Fprintln(w)

	// Timeline section
	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, te := range result.Timeline {
		line := fmt.Sprintf("  [%d] %s %s by %s", te.Seq, te.Kind, te.EntityID, te.Origin)
		if te.Version > 0 {
			line += fmt.Sprintf(" v%d", te.Version)
		}
		fmt.Fprintln(w, line)
		if verbose {
			fmt.Fprintf(w, "       Node: %s  Clock: %s  At: %s\n", te.Node, formatClock(te.Clock), te.EmittedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintln(w)

	// Stats section
	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Created:      %d\n", result.Stats.Created)
	fmt.Fprintf(w, "  Updated:      %d\n", result.Stats.Updated)
	fmt.Fprintf(w, "  Deleted:      %d\n", result.Stats.Deleted)
	fmt.Fprintf(w, "  Entities:     %d\n", result.Stats.Entities)

	if result.Verified == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Verify ===")
	if *result.Verified {
		fmt.Fprintln(w, "  ✓ stored state matches the event log")
		return
	}
	for _, d := range result.Divergences {
		fmt.Fprintf(w, "  ✗ %s: stored %s, replayed %s\n", d.EntityID, versionLabel(d.StoredVersion), versionLabel(d.ReplayedVersion))
	}
}

// formatClock renders a vector clock with sorted actors.
func formatClock(c model.VectorClock) string {
	data, err := model.MarshalCanonical(c)
	if err != nil || c == nil {
		return "{}"
	}
	return string(data)
}

func versionLabel(v int64) string {
	if v == 0 {
		return "absent"
	}
	return fmt.Sprintf("v%d", v)
}
