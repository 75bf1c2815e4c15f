package widgets

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/pkg/buffer"
	"github.com/c360/tripscope/widget"
)

// CSVExportID identifies the csv-export definition.
const CSVExportID = "csv-export"

// CSV export actions.
const (
	ActionClear  = "clear"
	ActionExport = "export"
)

// TimestampColumn is the first column of every exported row.
const TimestampColumn = "timestamp"

// CSVExport records one row of the configured columns per processing and
// renders the retained rows as CSV text. Missing values are empty cells.
// Beyond max_rows the oldest rows are dropped.
func CSVExport() *widget.Definition {
	return &widget.Definition{
		ID:          CSVExportID,
		Name:        "CSV Export",
		Category:    widget.CategoryExport,
		Version:     Version,
		Description: "Accumulates signal rows and exports them as CSV",
		Outputs: []widget.OutputSpec{
			{Name: "rows", Type: "number"},
			{Name: "dropped", Type: "number"},
		},
		ConfigSchema: map[string]widget.ConfigField{
			"columns": widget.ArrayField{
				Base:     widget.Base{Required: true, Description: "Input names exported as columns"},
				MinItems: 1,
				Item:     widget.StringField{MinLen: 1},
			},
			"max_rows": widget.NumberField{
				Base:    widget.Base{Default: 10000, Description: "Rows kept before the oldest are dropped"},
				Min:     widget.Float(1),
				Max:     widget.Float(1_000_000),
				Integer: true,
			},
			"include_header": widget.BooleanField{
				Base: widget.Base{Default: true},
			},
		},
		Factory: func() widget.Implementation { return &csvExport{} },
	}
}

type csvExport struct {
	mu      sync.Mutex
	columns []string
	header  bool
	maxRows int
	rows    buffer.Buffer[[]string]
	dropped int
}

func (w *csvExport) Initialize(_ context.Context, config widget.Values) error {
	columns := stringList(config, "columns")
	if len(columns) == 0 {
		return errors.WrapInvalid(errors.Invalidf("columns are required"), CSVExportID, "Initialize", "config check")
	}
	maxRows := int(numberOr(config, "max_rows", 10000))
	header, ok := config["include_header"].(bool)
	if !ok {
		header = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// Rows survive a config update unless their shape changes.
	if w.rows == nil || !slices.Equal(columns, w.columns) || maxRows != w.maxRows {
		w.columns = columns
		w.maxRows = maxRows
		w.reset()
	}
	w.header = header
	return nil
}

func (w *csvExport) reset() {
	w.dropped = 0
	w.rows = buffer.MustCircularBuffer(w.maxRows,
		buffer.WithDropCallback[[]string](func([]string) { w.dropped++ }))
}

func (w *csvExport) Process(_ context.Context, inputs widget.Values) (widget.Values, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := make([]string, 0, len(w.columns)+1)
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if v, ok := inputs[TimestampColumn]; ok {
		ts = cell(v)
	}
	row = append(row, ts)
	for _, col := range w.columns {
		row = append(row, cell(inputs[col]))
	}
	if err := w.rows.Write(row); err != nil {
		return nil, errors.Wrap(err, CSVExportID, "Process", "append row")
	}
	return widget.Values{"rows": w.rows.Size(), "dropped": w.dropped}, nil
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(val)
	}
}

// Render returns the retained rows as CSV text.
func (w *csvExport) Render(widget.Values) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encode()
}

func (w *csvExport) encode() (string, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if w.header {
		if err := cw.Write(append([]string{TimestampColumn}, w.columns...)); err != nil {
			return "", errors.Wrap(err, CSVExportID, "Render", "write header")
		}
	}
	if err := cw.WriteAll(w.rows.Snapshot()); err != nil {
		return "", errors.Wrap(err, CSVExportID, "Render", "write rows")
	}
	return buf.String(), nil
}

// HandleAction supports "clear", which drops every row, and "export",
// which returns the CSV text as the "csv" output.
func (w *csvExport) HandleAction(_ context.Context, action string, _ widget.Values) (widget.Values, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch action {
	case ActionClear:
		w.reset()
		return widget.Values{"rows": 0, "dropped": 0}, nil
	case ActionExport:
		text, err := w.encode()
		if err != nil {
			return nil, err
		}
		return widget.Values{"csv": text, "exported_at": time.Now().UTC().Format(time.RFC3339)}, nil
	}
	return nil, unsupported(CSVExportID, action)
}
