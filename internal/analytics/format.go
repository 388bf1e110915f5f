package analytics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/untoldecay/hive/internal/types"
	"github.com/untoldecay/hive/internal/ui"
)

// Output formats accepted by Format.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// Format writes a result in the requested format.
func Format(w io.Writer, result *Result, format string) error {
	switch format {
	case FormatTable, "":
		return formatTable(w, result)
	case FormatJSON:
		return formatJSON(w, result)
	case FormatCSV:
		return formatCSV(w, result)
	case FormatJSONL:
		return formatJSONL(w, result)
	default:
		return fmt.Errorf("%w: unknown format %q", types.ErrInvalid, format)
	}
}

func formatTable(w io.Writer, result *Result) error {
	rows := make([][]string, len(result.Rows))
	for i, row := range result.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cellString(v)
		}
		rows[i] = cells
	}
	return ui.RenderTable(w, result.Columns, rows)
}

func formatJSON(w io.Writer, result *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rowMaps(result))
}

func formatJSONL(w io.Writer, result *Result) error {
	enc := json.NewEncoder(w)
	for _, m := range rowMaps(result) {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func formatCSV(w io.Writer, result *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(result.Columns); err != nil {
		return err
	}
	for _, row := range result.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = cellString(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func rowMaps(result *Result) []map[string]interface{} {
	maps := make([]map[string]interface{}, len(result.Rows))
	for i, row := range result.Rows {
		m := make(map[string]interface{}, len(result.Columns))
		for j, col := range result.Columns {
			if j < len(row) {
				m[col] = row[j]
			}
		}
		maps[i] = m
	}
	return maps
}

func cellString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
