package app

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/dataset"
	"github.com/gyeonghwan0322/kospi-futures-quant-project/internal/plan"
)

const defaultChartColumn = "futs_prpr"

// Export renders one stored dataset as CSV and/or a PNG chart of a single
// numeric column over time.
func (a *App) Export(opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	feed, err := a.resolveFeed(opts.Feed)
	if err != nil {
		return err
	}
	datasets, _ := a.newStores(feed)

	header, rows, err := datasets.Load(opts.Code)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("종목 %s의 데이터셋이 없음 (dir=%s)", opts.Code, datasets.Dir())
	}

	maxPoints := a.Config.ResolveMaxPoints(opts.MaxPoints)
	downsampled := downsampleRows(rows, maxPoints)
	a.Logger.Info().Str("code", opts.Code).Int("total", len(rows)).Int("exported", len(downsampled)).Msg("데이터셋 내보내기")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, header, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		column := opts.Column
		if column == "" {
			column = defaultChartColumn
		}
		if err := writeColumnPNG(opts.PNGPath, opts.Code, header[0], column, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// downsampleRows keeps at most max evenly spaced rows, always retaining the
// first and last one.
func downsampleRows(rows []dataset.Row, max int) []dataset.Row {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]dataset.Row, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, header []string, rows []dataset.Row) error {
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

	if err := writer.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			record[i] = row[col]
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeColumnPNG(path, code, dateCol, column string, rows []dataset.Row) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(rows))
	y := make([]float64, 0, len(rows))
	for _, row := range rows {
		day, err := plan.ParseDay(row[dateCol])
		if err != nil {
			continue
		}
		value, err := row.Decimal(column)
		if err != nil {
			continue
		}
		x = append(x, day)
		y = append(y, value.InexactFloat64())
	}
	if len(x) < 2 {
		return fmt.Errorf("차트를 그리기엔 %s 값이 부족함 (%d개)", column, len(x))
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           column,
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    fmt.Sprintf("%s %s", code, column),
				XValues: x,
				YValues: y,
			},
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
