// Package trace records retired instructions into a dataframe and writes
// them out as CSV, JSON lines or Parquet.
package trace

import (
	"fmt"
	"sync"

	dataframe "github.com/rocketlaunchr/dataframe-go"

	"github.com/akhildatla/rvsim/pkg/vm"
)

// Column names of a trace frame, in order.
const (
	ColStep    = "step"
	ColPC      = "pc"
	ColWord    = "word"
	ColOp      = "op"
	ColRd      = "rd"
	ColValue   = "value"
	ColMemAddr = "mem_addr"
)

// Columns lists the trace columns in frame order.
var Columns = []string{ColStep, ColPC, ColWord, ColOp, ColRd, ColValue, ColMemAddr}

// Recorder is a vm.Tracer that appends one row per retired instruction.
// value is nil when the instruction wrote no register, mem_addr is nil when
// it touched no data memory.
type Recorder struct {
	mu      sync.Mutex
	df      *dataframe.DataFrame
	limit   int
	dropped uint64
}

// NewRecorder creates an empty recorder. A positive limit caps the number
// of rows kept; later instructions are counted as dropped.
func NewRecorder(limit int) *Recorder {
	return &Recorder{df: NewFrame(), limit: limit}
}

// NewFrame returns an empty frame with the trace schema.
func NewFrame() *dataframe.DataFrame {
	return dataframe.NewDataFrame(
		dataframe.NewSeriesInt64(ColStep, nil),
		dataframe.NewSeriesInt64(ColPC, nil),
		dataframe.NewSeriesInt64(ColWord, nil),
		dataframe.NewSeriesString(ColOp, nil),
		dataframe.NewSeriesInt64(ColRd, nil),
		dataframe.NewSeriesInt64(ColValue, nil),
		dataframe.NewSeriesInt64(ColMemAddr, nil),
	)
}

// Retire implements vm.Tracer.
func (r *Recorder) Retire(rec vm.Retired) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && r.df.NRows(dataframe.DontLock) >= r.limit {
		r.dropped++
		return
	}

	var value, memAddr interface{}
	if rec.WroteRd {
		value = rec.Value
	}
	if rec.MemWidth > 0 {
		memAddr = int64(rec.MemAddr)
	}
	r.df.Append(&dataframe.DontLock,
		int64(rec.Step),
		int64(rec.PC),
		int64(rec.Inst.Raw),
		rec.Inst.Op.String(),
		int64(rec.Rd),
		value,
		memAddr,
	)
}

// Frame returns the recorded rows. The frame is shared with the recorder.
func (r *Recorder) Frame() *dataframe.DataFrame {
	return r.df
}

// Len returns the number of recorded rows.
func (r *Recorder) Len() int {
	return r.df.NRows()
}

// Dropped returns how many instructions retired after the limit was hit.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards all rows.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.df = NewFrame()
	r.dropped = 0
}

// String renders a short description.
func (r *Recorder) String() string {
	return fmt.Sprintf("trace: %d rows, %d dropped", r.Len(), r.Dropped())
}
