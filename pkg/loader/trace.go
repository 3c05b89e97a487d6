package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	dataframe "github.com/rocketlaunchr/dataframe-go"
	"github.com/rocketlaunchr/dataframe-go/imports"
	"github.com/xitongsys/parquet-go-source/local"

	"github.com/akhildatla/rvsim/pkg/trace"
)

// Trace errors
var (
	ErrEmptyTrace = errors.New("empty trace file")
)

// traceTypes pins the column types so that sparse columns come back as
// int64 instead of whatever inference guesses.
func traceTypes() map[string]interface{} {
	return map[string]interface{}{
		trace.ColStep:    int64(0),
		trace.ColPC:      int64(0),
		trace.ColWord:    int64(0),
		trace.ColOp:      "",
		trace.ColRd:      int64(0),
		trace.ColValue:   int64(0),
		trace.ColMemAddr: int64(0),
	}
}

// LoadTraceCSV reads a trace written by trace.WriteCSV.
// - First row is the header
// - Empty cells become nil
func LoadTraceCSV(ctx context.Context, path string) (*dataframe.DataFrame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	df, err := imports.LoadFromCSV(ctx, file, imports.CSVLoadOptions{
		DictateDataType: traceTypes(),
		NilValue:        &trace.NullString,
	})
	if err != nil {
		return nil, fmt.Errorf("loading csv trace: %w", err)
	}
	return nonEmpty(df)
}

// LoadTraceJSON reads a JSON lines trace written by trace.WriteJSON.
func LoadTraceJSON(ctx context.Context, path string) (*dataframe.DataFrame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyTrace
	}

	df, err := imports.LoadFromJSON(ctx, bytes.NewReader(data), imports.JSONLoadOptions{
		DictateDataType: traceTypes(),
	})
	if err != nil {
		return nil, fmt.Errorf("loading json trace: %w", err)
	}
	return nonEmpty(df)
}

// LoadTraceParquet reads a trace written by trace.WriteParquet.
func LoadTraceParquet(ctx context.Context, path string) (*dataframe.DataFrame, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	df, err := imports.LoadFromParquet(ctx, fr)
	if err != nil {
		return nil, fmt.Errorf("loading parquet trace: %w", err)
	}
	return nonEmpty(df)
}

// LoadTrace dispatches on the file extension.
func LoadTrace(ctx context.Context, path string) (*dataframe.DataFrame, error) {
	format, err := trace.FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case trace.FormatCSV:
		return LoadTraceCSV(ctx, path)
	case trace.FormatJSON:
		return LoadTraceJSON(ctx, path)
	default:
		return LoadTraceParquet(ctx, path)
	}
}

func nonEmpty(df *dataframe.DataFrame) (*dataframe.DataFrame, error) {
	if df == nil || len(df.Series) == 0 || df.NRows() == 0 {
		return nil, ErrEmptyTrace
	}
	return df, nil
}
