package loader

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// Columns is the column layout of every asset loaded from CSV.
var Columns = []string{"open", "high", "low", "close", "volume"}

// BarDTO is one OHLCV row. The time column holds an RFC3339 timestamp or integer epoch nanoseconds.
type BarDTO struct {
	Timestamp string  `csv:"time"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
}

func (b *BarDTO) Datetime() (int64, error) {
	if nanos, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil {
		return nanos, nil
	}

	t, err := time.Parse(time.RFC3339, b.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("BarDTO.Datetime: %q: %w", b.Timestamp, models.ErrInvalidArrayValues)
	}

	return t.UnixNano(), nil
}

func ReadCSV(r io.Reader) ([]BarDTO, error) {
	var bars []BarDTO
	if err := gocsv.Unmarshal(r, &bars); err != nil {
		return nil, fmt.Errorf("ReadCSV: %w", err)
	}

	return bars, nil
}

// Load transposes bars into a column-major buffer and bulk loads it into a.
func Load(a *asset.Asset, bars []BarDTO) error {
	rows := len(bars)
	if rows == 0 {
		return fmt.Errorf("loader.Load: %s has no bars: %w", a.ID, models.ErrInvalidArrayLength)
	}

	cols := len(Columns)
	data := make([]float64, rows*cols)
	index := make([]int64, rows)

	for r, bar := range bars {
		datetime, err := bar.Datetime()
		if err != nil {
			return fmt.Errorf("loader.Load: %s row %d: %w", a.ID, r, err)
		}

		index[r] = datetime
		data[0*rows+r] = bar.Open
		data[1*rows+r] = bar.High
		data[2*rows+r] = bar.Low
		data[3*rows+r] = bar.Close
		data[4*rows+r] = bar.Volume
	}

	if err := a.Load(data, index, rows, cols, Columns); err != nil {
		return fmt.Errorf("loader.Load: %w", err)
	}

	return nil
}

// LoadCSV creates an asset from an OHLCV file.
func LoadCSV(path, assetID, exchangeID, brokerID string, warmup int, frequency asset.Frequency) (*asset.Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadCSV: %w", err)
	}
	defer f.Close()

	bars, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("LoadCSV: %s: %w", path, err)
	}

	a := asset.NewAsset(assetID, exchangeID, brokerID, warmup, frequency)
	if err := Load(a, bars); err != nil {
		return nil, fmt.Errorf("LoadCSV: %s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"asset": assetID,
		"file":  path,
		"rows":  len(bars),
	}).Info("asset loaded from csv")

	return a, nil
}
