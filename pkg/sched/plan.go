// Package sched walks an experiment plan: a table of instrument states
// visited in order, each held until the controlled variables equilibrate,
// then sampled for a fixed number of distinct readings.
package sched

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/octopode/spectackler/pkg/poll"
)

// Row is one plan state: setpoint column name to value.
type Row map[string]poll.Value

// Plan is an ordered list of states sharing one column set.
type Plan struct {
	Columns []string
	Rows    []Row
}

// ReadPlan parses a TSV state table with a header row. Cells that parse as
// numbers become numeric values; everything else stays text.
func ReadPlan(r io.Reader) (*Plan, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("sched: reading plan header: %w", err)
		}
		return nil, fmt.Errorf("sched: plan is empty")
	}
	p := &Plan{Columns: strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), "\t")}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		cells := strings.Split(line, "\t")
		if len(cells) != len(p.Columns) {
			return nil, fmt.Errorf("sched: row %d has %d cells, header has %d columns",
				len(p.Rows)+1, len(cells), len(p.Columns))
		}
		row := make(Row, len(cells))
		for i, cell := range cells {
			if f, err := strconv.ParseFloat(cell, 64); err == nil {
				row[p.Columns[i]] = poll.Num(f)
			} else {
				row[p.Columns[i]] = poll.Str(cell)
			}
		}
		p.Rows = append(p.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sched: reading plan: %w", err)
	}
	if len(p.Rows) == 0 {
		return nil, fmt.Errorf("sched: plan has a header but no states")
	}
	return p, nil
}

// WriteTo echoes the plan as TSV, so a generated table can be captured and
// replayed.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := fmt.Fprintln(w, strings.Join(p.Columns, "\t"))
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, row := range p.Rows {
		cells := make([]string, len(p.Columns))
		for i, col := range p.Columns {
			cells[i] = row[col].String()
		}
		n, err := fmt.Fprintln(w, strings.Join(cells, "\t"))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Range sweeps one setpoint column from Start to Stop inclusive in Step
// increments. A negative Step descends.
type Range struct {
	Field string  `yaml:"field"`
	Start float64 `yaml:"start"`
	Stop  float64 `yaml:"stop"`
	Step  float64 `yaml:"step"`
}

func (r Range) values() ([]float64, error) {
	if r.Step == 0 {
		if r.Start != r.Stop {
			return nil, fmt.Errorf("sched: range %s has zero step", r.Field)
		}
		return []float64{r.Start}, nil
	}
	if (r.Stop-r.Start)*r.Step < 0 {
		return nil, fmt.Errorf("sched: range %s never reaches %g from %g with step %g",
			r.Field, r.Stop, r.Start, r.Step)
	}
	var vals []float64
	// half-step slack absorbs accumulated float error at the endpoint
	for v := r.Start; (r.Step > 0 && v <= r.Stop+r.Step/2) || (r.Step < 0 && v >= r.Stop+r.Step/2); v += r.Step {
		vals = append(vals, v)
	}
	return vals, nil
}

// Generate builds the cartesian product of the ranges, first range slowest,
// last range fastest. Fixed holds constant columns added to every state.
func Generate(ranges []Range, fixed Row) (*Plan, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("sched: no ranges to generate from")
	}
	p := &Plan{}
	for _, r := range ranges {
		p.Columns = append(p.Columns, r.Field)
	}
	fixedCols := make([]string, 0, len(fixed))
	for col := range fixed {
		fixedCols = append(fixedCols, col)
	}
	sort.Strings(fixedCols)
	p.Columns = append(p.Columns, fixedCols...)

	grids := make([][]float64, len(ranges))
	for i, r := range ranges {
		vals, err := r.values()
		if err != nil {
			return nil, err
		}
		grids[i] = vals
	}

	idx := make([]int, len(grids))
	for {
		row := make(Row, len(ranges)+len(fixed))
		for i, r := range ranges {
			row[r.Field] = poll.Num(grids[i][idx[i]])
		}
		for col, v := range fixed {
			row[col] = v
		}
		p.Rows = append(p.Rows, row)

		// odometer increment, rightmost digit fastest
		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(grids[i]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return p, nil
		}
	}
}
