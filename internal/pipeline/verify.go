package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Mismatch is one row where the stream and the batch reference disagree.
// Got is nil when the stream lacks the row, Want when the batch does.
type Mismatch struct {
	Node   string
	Time   time.Time
	Got    series.Row
	Want   series.Row
	Reason string
}

func (m Mismatch) String() string {
	s := fmt.Sprintf("%s @ %s: %s", m.Node, m.Time.Format(time.RFC3339Nano), m.Reason)
	if m.Got != nil && m.Want != nil {
		s += fmt.Sprintf(" (got %s, want %s)", formatColumns(m.Got), formatColumns(m.Want))
	}
	return s
}

// Check is the comparison result for one node.
type Check struct {
	Node       string
	Compared   int
	Mismatches []Mismatch
}

// OK reports whether the node matched its reference.
func (c Check) OK() bool { return len(c.Mismatches) == 0 }

// Verify recomputes every node in batch over reference and compares each
// node's stream results with the reference suffix starting at the node's
// oldest retained row. reference is the full source history, including
// records the root has already pruned.
func (p *Pipeline) Verify(reference []series.Quote) ([]Check, error) {
	want, err := Batch(p.cfg, reference)
	if err != nil {
		return nil, err
	}

	checks := make([]Check, 0, len(p.nodes))
	for _, n := range p.nodes {
		checks = append(checks, compareTail(n.Name(), n.Rows(), want[n.Name()]))
	}
	return checks, nil
}

// compareTail walks stream and the matching batch suffix in timestamp order.
func compareTail(node string, stream, batch []series.Row) Check {
	check := Check{Node: node}

	start := 0
	if len(stream) > 0 {
		first := stream[0].Time()
		start = sort.Search(len(batch), func(i int) bool { return !batch[i].Time().Before(first) })
	}
	tail := batch[start:]

	i, j := 0, 0
	for i < len(stream) || j < len(tail) {
		switch {
		case j >= len(tail) || (i < len(stream) && stream[i].Time().Before(tail[j].Time())):
			check.Mismatches = append(check.Mismatches, Mismatch{
				Node: node, Time: stream[i].Time(), Got: stream[i], Reason: "not in reference",
			})
			i++
		case i >= len(stream) || tail[j].Time().Before(stream[i].Time()):
			check.Mismatches = append(check.Mismatches, Mismatch{
				Node: node, Time: tail[j].Time(), Want: tail[j], Reason: "missing from stream",
			})
			j++
		default:
			check.Compared++
			if !series.RowsEqual(stream[i], tail[j]) {
				check.Mismatches = append(check.Mismatches, Mismatch{
					Node: node, Time: stream[i].Time(), Got: stream[i], Want: tail[j], Reason: "values differ",
				})
			}
			i++
			j++
		}
	}
	return check
}

func formatColumns(r series.Row) string {
	s := ""
	for i, c := range r.Columns() {
		if i > 0 {
			s += " "
		}
		s += c.Name + "=" + c.Num.String()
	}
	return s
}
