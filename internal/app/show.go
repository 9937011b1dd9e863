package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints sync states and recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	states, err := store.ListSyncStates(ctx)
	if err != nil {
		return err
	}

	if len(states) == 0 {
		fmt.Fprintln(a.Out, "no sync states found")
	} else {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Instance\tLast Processed\tObserved Tip\tLag\tLast Success (UTC)\tFailures\tEndpoint\tError")
		for _, s := range states {
			lastSuccess := "-"
			if s.LastSuccessAt != nil {
				lastSuccess = s.LastSuccessAt.UTC().Format(time.RFC3339)
			}
			lag := uint64(0)
			if s.LatestObservedPosition > s.LastProcessedPosition {
				lag = s.LatestObservedPosition - s.LastProcessedPosition
			}
			fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%s\t%d\t%s\t%s\n",
				s.InstanceID,
				s.LastProcessedPosition,
				s.LatestObservedPosition,
				lag,
				lastSuccess,
				s.ConsecutiveFailures,
				s.ActiveEndpoint,
				sanitizeInline(s.LastError),
			)
		}
		writer.Flush()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	fmt.Fprintln(a.Out)
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Last Seen (UTC)\tSeverity\tEvent\tStatus\tCount\tTitle")
	for _, al := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\n",
			al.LastSeenAt.UTC().Format(time.RFC3339),
			al.Severity,
			al.Event,
			al.Status,
			al.Occurrences,
			sanitizeInline(al.Title),
		)
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
