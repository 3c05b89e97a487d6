package trace

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	dataframe "github.com/rocketlaunchr/dataframe-go"
)

var (
	ErrUnknownFormat = errors.New("unknown trace format")
	ErrMissingColumn = errors.New("trace column missing")
)

// OpCount is the number of times one mnemonic retired.
type OpCount struct {
	Op    string
	Count int
}

// Summary aggregates a trace frame.
type Summary struct {
	Rows      int
	UniquePCs int
	MemOps    int // rows with a data memory address
	RegWrites int // rows with a written value
	FirstStep int64
	LastStep  int64
	Ops       []OpCount // most frequent first, ties by name
}

// Summarize walks df, which must carry the step, pc, op, value and
// mem_addr columns. Column names match case-insensitively so frames read
// back from Parquet work as well.
func Summarize(df *dataframe.DataFrame) (*Summary, error) {
	cols := make(map[string]dataframe.Series)
	for _, name := range []string{ColStep, ColPC, ColOp, ColValue, ColMemAddr} {
		s, err := column(df, name)
		if err != nil {
			return nil, err
		}
		cols[name] = s
	}

	sum := &Summary{Rows: df.NRows()}
	pcs := make(map[int64]struct{})
	ops := make(map[string]int)
	for i := 0; i < sum.Rows; i++ {
		step, _ := asInt64(cols[ColStep].Value(i))
		if i == 0 || step < sum.FirstStep {
			sum.FirstStep = step
		}
		if step > sum.LastStep {
			sum.LastStep = step
		}
		if pc, ok := asInt64(cols[ColPC].Value(i)); ok {
			pcs[pc] = struct{}{}
		}
		if _, ok := asInt64(cols[ColMemAddr].Value(i)); ok {
			sum.MemOps++
		}
		if _, ok := asInt64(cols[ColValue].Value(i)); ok {
			sum.RegWrites++
		}
		ops[asString(cols[ColOp].Value(i))]++
	}
	sum.UniquePCs = len(pcs)

	for op, n := range ops {
		sum.Ops = append(sum.Ops, OpCount{Op: op, Count: n})
	}
	slices.SortFunc(sum.Ops, func(a, b OpCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Op, b.Op)
	})
	return sum, nil
}

// Count returns how often op retired.
func (s *Summary) Count(op string) int {
	for _, oc := range s.Ops {
		if oc.Op == op {
			return oc.Count
		}
	}
	return 0
}

// Print writes a human-readable report listing at most top mnemonics
// (all when top <= 0).
func (s *Summary) Print(w io.Writer, top int) {
	fmt.Fprintf(w, "instructions: %d (steps %d..%d)\n", s.Rows, s.FirstStep, s.LastStep)
	fmt.Fprintf(w, "unique pcs:   %d\n", s.UniquePCs)
	fmt.Fprintf(w, "reg writes:   %d\n", s.RegWrites)
	fmt.Fprintf(w, "memory ops:   %d\n", s.MemOps)
	ops := s.Ops
	if top > 0 && len(ops) > top {
		ops = ops[:top]
	}
	for _, oc := range ops {
		fmt.Fprintf(w, "  %-12s %d\n", oc.Op, oc.Count)
	}
}

func column(df *dataframe.DataFrame, name string) (dataframe.Series, error) {
	for _, s := range df.Series {
		if strings.EqualFold(s.Name(), name) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
}

func asInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case float64:
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(val, 0, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
