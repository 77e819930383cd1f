package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// window renders the filter, ordering and paging for a ListOpts query over
// column, newest first. The time range is half-open: Since inclusive, Until
// exclusive. Placeholders continue after any args the caller already holds.
func window(column string, opts domain.ListOpts, args []any) (string, []any) {
	var b strings.Builder
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	b.WriteString(" WHERE TRUE")
	if opts.Since != nil {
		fmt.Fprintf(&b, " AND %s >= %s", column, next(*opts.Since))
	}
	if opts.Until != nil {
		fmt.Fprintf(&b, " AND %s < %s", column, next(*opts.Until))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC", column)
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %s", next(opts.Limit))
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %s", next(opts.Offset))
	}
	return b.String(), args
}
