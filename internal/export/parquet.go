package export

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ParamPrefix prefixes parameter columns so they cannot collide with the
// fixed ones.
const ParamPrefix = "param_"

var unsafeColumn = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Columns returns the column names WriteParquet produces for paramNames and
// the given number of metrics, in order.
func Columns(paramNames []string, metrics int) []string {
	cols := []string{"id", "rngrun", "exitcode", "elapsed_ms", "completed_at"}
	for _, p := range paramNames {
		cols = append(cols, paramColumn(p))
	}
	for i := 0; i < metrics; i++ {
		cols = append(cols, metricColumn(i))
	}
	return cols
}

// WriteParquet writes one Snappy-compressed row per result to w.
//
// Parameters are stored as their canonical text in UTF8 columns named
// param_<name>, metrics as optional doubles m0..mN sized by the longest row.
func WriteParquet(w io.Writer, rows []Row, paramNames []string) error {
	metrics := 0
	for _, r := range rows {
		if len(r.Metrics) > metrics {
			metrics = len(r.Metrics)
		}
	}

	pfw := writerfile.NewWriterFile(w)
	pw, err := writer.NewJSONWriter(parquetSchema(paramNames, metrics), pfw, 4)
	if err != nil {
		return fmt.Errorf("creating parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		text := r.Params.Canonical()
		rec := map[string]any{
			"id":           r.ID,
			"rngrun":       r.RngRun,
			"exitcode":     int64(r.ExitCode),
			"elapsed_ms":   r.ElapsedMS,
			"completed_at": r.CompletedAt.UTC().Format(time.RFC3339Nano),
		}
		for _, p := range paramNames {
			if v, ok := text[p]; ok {
				rec[paramColumn(p)] = v
			}
		}
		for i, m := range r.Metrics {
			rec[metricColumn(i)] = m
		}
		line, err := json.Marshal(rec)
		if err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("encoding row %s: %w", r.ID, err)
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("writing row %s: %w", r.ID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finishing parquet file: %w", err)
	}
	return pfw.Close()
}

func parquetSchema(paramNames []string, metrics int) string {
	fields := []map[string]string{
		{"Tag": "name=id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
		{"Tag": "name=rngrun, type=INT64, repetitiontype=REQUIRED"},
		{"Tag": "name=exitcode, type=INT64, repetitiontype=REQUIRED"},
		{"Tag": "name=elapsed_ms, type=DOUBLE, repetitiontype=REQUIRED"},
		{"Tag": "name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"},
	}
	for _, p := range paramNames {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", paramColumn(p)),
		})
	}
	for i := 0; i < metrics; i++ {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", metricColumn(i)),
		})
	}
	b, _ := json.Marshal(map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	})
	return string(b)
}

func paramColumn(name string) string {
	return ParamPrefix + unsafeColumn.ReplaceAllString(name, "_")
}

func metricColumn(i int) string {
	return fmt.Sprintf("m%d", i)
}
