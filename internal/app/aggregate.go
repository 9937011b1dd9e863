package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"oracle-reconciler/internal/model"
)

// Aggregate reconciles the latest observations for each symbol and prints the comparisons.
func (a *App) Aggregate(ctx context.Context, symbols []string, chain string) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if len(symbols) == 0 {
		symbols = a.Config.Aggregation.Symbols
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols given and aggregation.symbols is empty")
	}
	if chain == "" {
		chain = a.Config.Aggregation.Chain
	}

	comparisons, err := c.aggregator.AggregateMany(ctx, symbols, chain)
	if err != nil {
		return err
	}
	if len(comparisons) == 0 {
		fmt.Fprintln(a.Out, "insufficient data for every requested symbol")
		return nil
	}
	writeComparisons(a.Out, comparisons)
	return nil
}

// History prints persisted comparisons of the last hours.
func (a *App) History(ctx context.Context, symbol string, hours int) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	comparisons, err := c.aggregator.HistoricalComparisons(ctx, symbol, hours)
	if err != nil {
		return err
	}
	if len(comparisons) == 0 {
		fmt.Fprintln(a.Out, "no comparisons found")
		return nil
	}
	writeComparisons(a.Out, comparisons)
	return nil
}

func writeComparisons(out io.Writer, comparisons []model.Comparison) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tSources\tRecommended\tSource\tMedian\tMin\tMax\tMax Dev%\tOutliers\tStale")
	for _, c := range comparisons {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%.3f\t%s\t%t\n",
			c.Timestamp.UTC().Format(time.RFC3339),
			c.Symbol,
			len(c.Observations),
			formatPrice(c.RecommendedPrice),
			c.RecommendationSource,
			formatPrice(c.Median),
			formatPrice(c.Min),
			formatPrice(c.Max),
			c.MaxDeviationRatio*100,
			strings.Join(c.Outliers, ","),
			c.Stale,
		)
	}
	writer.Flush()
}

func formatPrice(v float64) string {
	return fmt.Sprintf("%.6f", v)
}
