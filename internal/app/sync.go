package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"oracle-reconciler/internal/syncer"
)

// SyncOnce seeds configured instances and runs one sync for each id (all enabled instances when ids is empty).
func (a *App) SyncOnce(ctx context.Context, ids []string) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if err := a.seedInstances(ctx, c.store); err != nil {
		return err
	}

	if len(ids) == 0 {
		instances, err := c.store.ListInstances(ctx)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			if inst.Enabled {
				ids = append(ids, inst.ID)
			}
		}
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Instance\tUpdated\tLast Processed\tSafe\tDuration\tError")

	var failed int
	for _, id := range ids {
		res, err := c.guard.EnsureSynced(ctx, id)
		writeSyncResult(writer, id, res, err)
		if err != nil {
			failed++
		}
	}
	writer.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d instances failed to sync", failed, len(ids))
	}
	return nil
}

func writeSyncResult(writer *tabwriter.Writer, id string, res syncer.Result, err error) {
	errMsg := ""
	if err != nil {
		errMsg = sanitizeInline(err.Error())
	}
	fmt.Fprintf(writer, "%s\t%t\t%d\t%d\t%s\t%s\n",
		id,
		res.Updated,
		res.State.LastProcessedPosition,
		res.State.SafePosition,
		(time.Duration(res.State.LastDurationMs) * time.Millisecond).String(),
		errMsg,
	)
}
