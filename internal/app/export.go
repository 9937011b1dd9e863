package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-reconciler/internal/model"
)

// Export renders comparison history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if strings.TrimSpace(opts.Symbol) == "" {
		return errors.New("--symbol is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.AggregateInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	comparisons, err := store.ListComparisons(ctx, strings.ToUpper(opts.Symbol), from, to, 0)
	if err != nil {
		return err
	}
	if len(comparisons) == 0 {
		a.Logger.Info().Str("symbol", opts.Symbol).Msg("no comparisons found for export window")
		return nil
	}

	downsampled := downsampleComparisons(comparisons, opts.MaxPoints)
	a.Logger.Info().Int("total", len(comparisons)).Int("exported", len(downsampled)).Msg("exporting comparisons")

	if opts.CSVPath != "" {
		if err := writeComparisonsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeComparisonsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleComparisons(comparisons []model.Comparison, max int) []model.Comparison {
	if max <= 0 || len(comparisons) <= max {
		return comparisons
	}
	if max == 1 {
		return comparisons[len(comparisons)-1:]
	}

	result := make([]model.Comparison, 0, max)
	step := float64(len(comparisons)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(comparisons) {
			idx = len(comparisons) - 1
		}
		result = append(result, comparisons[idx])
	}
	return result
}

func writeComparisonsCSV(path string, comparisons []model.Comparison) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "symbol", "chain", "sources", "recommended_price", "recommendation_source", "median", "mean", "min", "max", "max_deviation_ratio", "outliers"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range comparisons {
		record := []string{
			c.Timestamp.UTC().Format(time.RFC3339),
			c.Symbol,
			c.Chain,
			strconv.Itoa(len(c.Observations)),
			formatFloat(c.RecommendedPrice),
			c.RecommendationSource,
			formatFloat(c.Median),
			formatFloat(c.Mean),
			formatFloat(c.Min),
			formatFloat(c.Max),
			formatFloat(c.MaxDeviationRatio),
			strings.Join(c.Outliers, ";"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeComparisonsPNG(path string, comparisons []model.Comparison) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(comparisons))
	recommended := make([]float64, len(comparisons))
	low := make([]float64, len(comparisons))
	high := make([]float64, len(comparisons))
	deviation := make([]float64, len(comparisons))

	for i, c := range comparisons {
		x[i] = c.Timestamp
		recommended[i] = c.RecommendedPrice
		low[i] = c.Min
		high[i] = c.Max
		deviation[i] = c.MaxDeviationRatio * 100
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + comparisons[0].Symbol + ")",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Max deviation (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Recommended", XValues: x, YValues: recommended},
			chart.TimeSeries{Name: "Min", XValues: x, YValues: low},
			chart.TimeSeries{Name: "Max", XValues: x, YValues: high},
			chart.TimeSeries{Name: "Max deviation %", XValues: x, YValues: deviation, YAxis: chart.YAxisSecondary},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
