package report

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jiaming2012/hydra-backtester/src/backtester"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// Summary describes one value history. Returns are simple bar over bar returns of NLV.
type Summary struct {
	Start       int64
	End         int64
	Bars        int
	StartValue  decimal.Decimal
	EndValue    decimal.Decimal
	TotalReturn float64
	MeanReturn  float64
	StdReturn   float64
	Sharpe      float64
	MaxDrawdown float64
}

// AnnualizedSharpe scales the per bar Sharpe ratio by the square root of the bars in a year.
func (s Summary) AnnualizedSharpe(barsPerYear float64) float64 {
	return s.Sharpe * math.Sqrt(barsPerYear)
}

func Summarize(history []backtester.ValueRecord) (Summary, error) {
	if len(history) < 2 {
		return Summary{}, fmt.Errorf("Summarize: need at least 2 records, got %d: %w", len(history), models.ErrInvalidArrayLength)
	}

	first, last := history[0], history[len(history)-1]
	if first.NLV.IsZero() {
		return Summary{}, fmt.Errorf("Summarize: starting value is zero: %w", models.ErrInvalidArrayValues)
	}

	summary := Summary{
		Start:       first.Datetime,
		End:         last.Datetime,
		Bars:        len(history),
		StartValue:  first.NLV,
		EndValue:    last.NLV,
		TotalReturn: last.NLV.Sub(first.NLV).Div(first.NLV).InexactFloat64(),
	}

	returns := make([]float64, 0, len(history)-1)
	peak := first.NLV.InexactFloat64()
	for i := 1; i < len(history); i++ {
		prev := history[i-1].NLV.InexactFloat64()
		value := history[i].NLV.InexactFloat64()

		if prev != 0 {
			returns = append(returns, value/prev-1)
		}

		if value > peak {
			peak = value
		} else if peak > 0 {
			summary.MaxDrawdown = math.Max(summary.MaxDrawdown, (peak-value)/peak)
		}
	}

	if len(returns) == 0 {
		return summary, nil
	}

	mean, err := stats.Mean(returns)
	if err != nil {
		return Summary{}, fmt.Errorf("Summarize: failed to calculate mean: %w", err)
	}

	sd, err := stats.StandardDeviation(returns)
	if err != nil {
		return Summary{}, fmt.Errorf("Summarize: failed to calculate the standard deviation: %w", err)
	}

	summary.MeanReturn = mean
	summary.StdReturn = sd
	if sd > 0 {
		summary.Sharpe = mean / sd
	}

	return summary, nil
}

// Render draws the summary and the open positions as plain text tables.
func Render(summary Summary, positions []*models.Position) string {
	p := message.NewPrinter(language.English)
	display := &strings.Builder{}

	table := tablewriter.NewWriter(display)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Period", fmt.Sprintf("%s - %s", formatTime(summary.Start), formatTime(summary.End))})
	table.Append([]string{"Bars", p.Sprintf("%d", summary.Bars)})
	table.Append([]string{"Starting NLV", fmt.Sprintf("$%s", p.Sprintf("%.2f", summary.StartValue.InexactFloat64()))})
	table.Append([]string{"Ending NLV", fmt.Sprintf("$%s", p.Sprintf("%.2f", summary.EndValue.InexactFloat64()))})
	table.Append([]string{"Total Return", p.Sprintf("%.2f%%", summary.TotalReturn*100)})
	table.Append([]string{"Mean Return", p.Sprintf("%.4f%%", summary.MeanReturn*100)})
	table.Append([]string{"Std Return", p.Sprintf("%.4f%%", summary.StdReturn*100)})
	table.Append([]string{"Sharpe", p.Sprintf("%.3f", summary.Sharpe)})
	table.Append([]string{"Max Drawdown", p.Sprintf("%.2f%%", summary.MaxDrawdown*100)})
	table.Render()

	if len(positions) == 0 {
		return display.String()
	}

	positionsTable := tablewriter.NewWriter(display)
	positionsTable.SetHeader([]string{"Portfolio", "Asset", "Units", "Avg Price", "Last Price", "Unrealized PL", "Realized PL"})
	positionsTable.SetAlignment(tablewriter.ALIGN_CENTER)
	for _, position := range positions {
		positionsTable.Append([]string{
			position.PortfolioID,
			position.AssetID,
			p.Sprintf("%.4f", position.Units),
			p.Sprintf("%.2f", position.AveragePrice),
			p.Sprintf("%.2f", position.LastPrice),
			fmt.Sprintf("$%s", p.Sprintf("%.2f", position.UnrealizedPL.InexactFloat64())),
			fmt.Sprintf("$%s", p.Sprintf("%.2f", position.RealizedPL.InexactFloat64())),
		})
	}
	positionsTable.Render()

	return display.String()
}

type ValueRecordDTO struct {
	Datetime string `csv:"datetime"`
	NLV      string `csv:"nlv"`
	Cash     string `csv:"cash"`
}

// ExportValueHistory writes history as CSV with RFC3339 timestamps.
func ExportValueHistory(w io.Writer, history []backtester.ValueRecord) error {
	rows := make([]ValueRecordDTO, 0, len(history))
	for _, record := range history {
		rows = append(rows, ValueRecordDTO{
			Datetime: formatTime(record.Datetime),
			NLV:      record.NLV.StringFixed(2),
			Cash:     record.Cash.StringFixed(2),
		})
	}

	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("ExportValueHistory: %w", err)
	}

	return nil
}

func formatTime(nanos int64) string {
	return time.Unix(0, nanos).UTC().Format(time.RFC3339)
}
