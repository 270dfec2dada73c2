package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/frontman/internal/db"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

var errNoEventLog = errors.New("no event_log configured")

type eventsFlags struct {
	instance  string
	eventType string
	since     string
	limit     int
	summary   bool
	asJSON    bool
}

func NewEventsCommand(flags *globalFlags) *cobra.Command {
	ef := &eventsFlags{}

	eventsCmd := &cobra.Command{
		Use:     "events",
		Aliases: []string{"ev", "history"},
		Short:   "List recorded companion lifecycle events",
		Long: `List companion lifecycle events from the event log, newest first.

Examples:
  frontman events                    # Last 50 events
  frontman events -S 1h              # Events from the last hour
  frontman events -S 2026-10-01      # Events since Oct 1st
  frontman events -t restarting      # Only restarts
  frontman events --summary          # Counts per event type`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(flags)
			if err != nil {
				return err
			}
			if opts.EventLog == "" {
				return errNoEventLog
			}
			if _, err := os.Stat(opts.EventLog); err != nil {
				return fmt.Errorf("failed to open event log: %w", err)
			}

			store, err := db.Open(opts.EventLog)
			if err != nil {
				return err
			}
			defer store.Close()

			if !cmd.Flags().Changed("instance") {
				ef.instance = opts.Name
			}
			return listEvents(cmd.OutOrStdout(), store, ef, time.Now())
		},
	}

	eventsCmd.Flags().StringVarP(&ef.instance, "instance", "i", "", "instance name (default: name from the options file)")
	eventsCmd.Flags().StringVarP(&ef.eventType, "type", "t", "", "only events of this type")
	eventsCmd.Flags().StringVarP(&ef.since, "since", "S", "", "start: a duration like 24h, today, yesterday, or YYYY-MM-DD")
	eventsCmd.Flags().IntVarP(&ef.limit, "limit", "n", 50, "maximum number of events (0 for all)")
	eventsCmd.Flags().BoolVar(&ef.summary, "summary", false, "print counts per event type")
	eventsCmd.Flags().BoolVar(&ef.asJSON, "json", false, "print JSON")

	return eventsCmd
}

func listEvents(w io.Writer, store *db.DB, ef *eventsFlags, now time.Time) error {
	if ef.summary {
		counts, err := store.CountByType(ef.instance)
		if err != nil {
			return fmt.Errorf("failed to query event log: %w", err)
		}
		return printSummary(w, counts, ef.asJSON)
	}

	since, err := parseSince(ef.since, now)
	if err != nil {
		return err
	}
	events, err := store.GetCompanionEvents(db.EventFilter{
		Instance:  ef.instance,
		EventType: ef.eventType,
		Since:     since,
		Limit:     ef.limit,
	})
	if err != nil {
		return fmt.Errorf("failed to query event log: %w", err)
	}

	if ef.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if events == nil {
			events = []db.CompanionEvent{}
		}
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Fprintf(w, "%sNo events found%s\n", colorGray, colorReset)
		return nil
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s%s%s  %-10s %s%-20s%s %s%7d%s  %s %s(%s ago)%s\n",
			colorDim, e.Timestamp.Local().Format(time.DateTime), colorReset,
			e.Instance,
			eventColor(e.EventType), e.EventType, colorReset,
			colorGray, e.PID, colorReset,
			e.Details,
			colorDim, formatDuration(now.Sub(e.Timestamp)), colorReset)
	}
	return nil
}

func printSummary(w io.Writer, counts map[string]int, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(counts)
	}
	if len(counts) == 0 {
		fmt.Fprintf(w, "%sNo events found%s\n", colorGray, colorReset)
		return nil
	}

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		fmt.Fprintf(w, "%s%-20s%s %s%d%s\n", eventColor(t), t, colorReset, colorBold, counts[t], colorReset)
	}
	return nil
}

// parseSince accepts a relative duration, today, yesterday or a date.
func parseSince(s string, now time.Time) (time.Time, error) {
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch s {
	case "":
		return time.Time{}, nil
	case "today":
		return startOfToday, nil
	case "yesterday":
		return startOfToday.AddDate(0, 0, -1), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want a duration, today, yesterday or YYYY-MM-DD", s)
}

func eventColor(eventType string) string {
	switch eventType {
	case "ready", "reloaded":
		return colorGreen
	case "restarting":
		return colorYellow
	case "fatal_config_error", "side_channel_error", "failed":
		return colorRed
	default:
		return colorGray
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs > 0 {
			return fmt.Sprintf("%dm%ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}
