package sweep

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jiaming2012/hydra-backtester/src/backtester"
	"github.com/jiaming2012/hydra-backtester/src/models"
	"github.com/jiaming2012/hydra-backtester/src/report"
	"github.com/jiaming2012/hydra-backtester/src/strategy"
)

const instrumentation = "github.com/jiaming2012/hydra-backtester/src/sweep"

// BuildFunc creates the simulation of one parameter set, built or not. Graphs returned by separate calls must
// not share assets or portfolios.
type BuildFunc func(params strategy.Params) (*backtester.Hydra, error)

type Result struct {
	ID      uuid.UUID
	Index   int
	Params  strategy.Params
	RunID   string
	NLV     decimal.Decimal
	Summary *report.Summary
}

// Expand returns the cartesian product of grid. Keys vary slowest in sorted order.
func Expand(grid map[string][]float64) []strategy.Params {
	keys := make([]string, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) == 0 {
		return nil
	}

	points := []strategy.Params{{}}
	for _, k := range keys {
		var next []strategy.Params
		for _, point := range points {
			for _, v := range grid[k] {
				next = append(next, point.Merge(strategy.Params{k: v}))
			}
		}
		points = next
	}

	return points
}

func runPoint(ctx context.Context, index int, params strategy.Params, build BuildFunc) (Result, error) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, "sweep.point")
	defer span.End()

	span.SetAttributes(attribute.Int("index", index))

	h, err := build(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("sweep point %d: build: %w", index, err)
	}

	if !h.IsBuilt() {
		if err := h.Build(); err != nil {
			return Result{}, fmt.Errorf("sweep point %d: %w", index, err)
		}
	}

	if err := h.Run(ctx, 0, 0); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("sweep point %d: %w", index, err)
	}

	result := Result{
		ID:     uuid.New(),
		Index:  index,
		Params: params,
		RunID:  h.RunID(),
		NLV:    h.Master().NLV(),
	}

	if tracer, err := h.Master().ValueTracer(); err == nil {
		summary, err := report.Summarize(tracer.History())
		if err == nil {
			result.Summary = &summary
		}
	}

	log.WithFields(log.Fields{
		"index":  index,
		"run_id": result.RunID,
		"nlv":    result.NLV.StringFixed(2),
	}).Info("sweep point finished")

	return result, nil
}

// Run executes every parameter set on its own simulation graph, at most concurrency at a time. Results are
// in the order of points. The first failure cancels the points that have not started.
func Run(ctx context.Context, points []strategy.Params, build BuildFunc, concurrency int) ([]Result, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("sweep.Run: no parameter sets: %w", models.ErrInvalidArrayLength)
	}

	if concurrency < 1 {
		concurrency = 1
	}

	ctx, span := otel.Tracer(instrumentation).Start(ctx, "sweep.Run")
	defer span.End()

	span.SetAttributes(
		attribute.Int("points", len(points)),
		attribute.Int("concurrency", concurrency),
	)

	results := make([]Result, len(points))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, params := range points {
		i, params := i, params
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			result, err := runPoint(gctx, i, params, build)
			if err != nil {
				return err
			}

			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("sweep.Run: %w", err)
	}

	return results, nil
}

// Render draws one row per result.
func Render(results []Result) string {
	p := message.NewPrinter(language.English)
	display := &strings.Builder{}

	var keys []string
	if len(results) > 0 {
		keys = results[0].Params.Keys()
	}

	table := tablewriter.NewWriter(display)
	table.SetHeader(append(append([]string{"#"}, keys...), "NLV", "Return", "Sharpe", "Max Drawdown"))
	table.SetAlignment(tablewriter.ALIGN_CENTER)

	for _, r := range results {
		row := []string{fmt.Sprintf("%d", r.Index)}
		for _, k := range keys {
			row = append(row, p.Sprintf("%g", r.Params[k]))
		}

		row = append(row, fmt.Sprintf("$%s", p.Sprintf("%.2f", r.NLV.InexactFloat64())))
		if r.Summary != nil {
			row = append(row,
				p.Sprintf("%.2f%%", r.Summary.TotalReturn*100),
				p.Sprintf("%.3f", r.Summary.Sharpe),
				p.Sprintf("%.2f%%", r.Summary.MaxDrawdown*100),
			)
		} else {
			row = append(row, "-", "-", "-")
		}

		table.Append(row)
	}

	table.Render()

	return display.String()
}
