// Package tsvlog writes the experiment's data table: one TSV row per change
// of the headline reading, with every watched field in lexicographic column
// order.
package tsvlog

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/octopode/spectackler/pkg/poll"
)

// Writer appends rows to a TSV stream. A row is emitted only when the
// headline column's value differs from the one last written, so a steady
// instrument does not flood the file.
type Writer struct {
	w        io.Writer
	columns  []string
	headline string
	wrote    bool
	last     poll.Value
}

// New prepares a writer over w for the given columns. The headline column
// gates row output. The header row is written immediately. Column order is
// normalized so files from different runs line up.
func New(w io.Writer, columns []string, headline string) (*Writer, error) {
	cols := append([]string(nil), columns...)
	sort.Strings(cols)
	tw := &Writer{w: w, columns: cols, headline: headline}
	header := append([]string{"clock", "watch"}, cols...)
	if _, err := fmt.Fprintln(w, strings.Join(header, "\t")); err != nil {
		return nil, err
	}
	return tw, nil
}

// Write appends one row if the headline value changed. at stamps the clock
// column; watch is seconds since the run began.
func (t *Writer) Write(at time.Time, watch time.Duration, fields poll.Fields) error {
	head, ok := fields[t.headline]
	if !ok {
		return fmt.Errorf("tsvlog: sample lacks headline column %q", t.headline)
	}
	if t.wrote && head.Equal(t.last) {
		return nil
	}
	row := make([]string, 0, len(t.columns)+2)
	row = append(row, at.Format(time.RFC3339Nano), fmt.Sprintf("%.3f", watch.Seconds()))
	for _, col := range t.columns {
		v, ok := fields[col]
		if !ok {
			row = append(row, "")
			continue
		}
		row = append(row, v.String())
	}
	if _, err := fmt.Fprintln(t.w, strings.Join(row, "\t")); err != nil {
		return err
	}
	t.wrote = true
	t.last = head
	return t.flush()
}

// flush pushes buffered rows through if the sink supports it, so a killed
// run loses at most the row in flight.
func (t *Writer) flush() error {
	if f, ok := t.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
