// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"fmt"
	"strings"
)

// updateBuilder assembles "UPDATE ... SET" statements with positional args.
type updateBuilder struct {
	table string
	sets  []string
	args  []any
}

func newUpdate(table string) *updateBuilder {
	return &updateBuilder{table: table}
}

// arg registers v and returns its placeholder.
func (b *updateBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *updateBuilder) set(column string, v any) {
	b.sets = append(b.sets, column+"="+b.arg(v))
}

func (b *updateBuilder) raw(expr string) {
	b.sets = append(b.sets, expr)
}

// where renders the statement; conds are ANDed.
func (b *updateBuilder) where(conds ...string) string {
	return "UPDATE " + b.table + " SET " + strings.Join(b.sets, ", ") +
		" WHERE " + strings.Join(conds, " AND ")
}
