package postgres

import (
	"fmt"
	"strings"
)

// insertBuilder renders one multi-row INSERT ... VALUES statement.
type insertBuilder struct {
	sb   strings.Builder
	args []any
	cols int
	rows int
}

func newInsertBuilder(head string, cols, capacity int) *insertBuilder {
	b := &insertBuilder{cols: cols, args: make([]any, 0, capacity*cols)}
	b.sb.WriteString(head)
	b.sb.WriteString(" VALUES ")
	return b
}

// add appends one row; len(values) must equal cols.
func (b *insertBuilder) add(values ...any) {
	if b.rows > 0 {
		b.sb.WriteByte(',')
	}
	base := len(b.args) + 1
	b.sb.WriteByte('(')
	for i := range values {
		if i > 0 {
			b.sb.WriteByte(',')
		}
		fmt.Fprintf(&b.sb, "$%d", base+i)
	}
	b.sb.WriteByte(')')
	b.args = append(b.args, values...)
	b.rows++
}

func (b *insertBuilder) finish(tail string) (string, []any) {
	b.sb.WriteString(tail)
	return b.sb.String(), b.args
}

// forEachChunk calls fn with consecutive [start, end) windows of at most size items.
func forEachChunk(n, size int, fn func(start, end int) error) error {
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
