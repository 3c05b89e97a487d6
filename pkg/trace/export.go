package trace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	dataframe "github.com/rocketlaunchr/dataframe-go"
	"github.com/rocketlaunchr/dataframe-go/exports"
	"github.com/xitongsys/parquet-go-source/local"
)

// Format selects an on-disk trace encoding.
type Format uint8

const (
	FormatCSV Format = iota
	FormatJSON
	FormatParquet
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatJSON:
		return "json"
	case FormatParquet:
		return "parquet"
	default:
		return "unknown"
	}
}

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return FormatCSV, nil
	case ".json", ".jsonl":
		return FormatJSON, nil
	case ".parquet":
		return FormatParquet, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
}

// NullString is how CSV traces spell a missing value.
var NullString = ""

// WriteCSV writes df as CSV with a header row.
func WriteCSV(ctx context.Context, w io.Writer, df *dataframe.DataFrame) error {
	if err := exports.ExportToCSV(ctx, w, df, exports.CSVExportOptions{NullString: &NullString, Separator: ','}); err != nil {
		return fmt.Errorf("exporting csv trace: %w", err)
	}
	return nil
}

// WriteJSON writes df as JSON lines, one object per instruction.
func WriteJSON(ctx context.Context, w io.Writer, df *dataframe.DataFrame) error {
	if err := exports.ExportToJSON(ctx, w, df); err != nil {
		return fmt.Errorf("exporting json trace: %w", err)
	}
	return nil
}

// WriteParquet writes df to a Parquet file at path.
func WriteParquet(ctx context.Context, path string, df *dataframe.DataFrame) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("creating parquet trace: %w", err)
	}
	if err := exports.ExportToParquet(ctx, fw, df); err != nil {
		fw.Close()
		return fmt.Errorf("exporting parquet trace: %w", err)
	}
	return fw.Close()
}

// WriteFile writes df to path in the format its extension names.
func WriteFile(ctx context.Context, path string, df *dataframe.DataFrame) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	if format == FormatParquet {
		return WriteParquet(ctx, path, df)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if format == FormatCSV {
		err = WriteCSV(ctx, f, df)
	} else {
		err = WriteJSON(ctx, f, df)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
