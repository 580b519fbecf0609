package storage

import "strings"

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// listQuery accumulates optional WHERE terms for the audit listings.
type listQuery struct {
	where []string
	args  []any
}

func (q *listQuery) equal(column, value string) {
	if value == "" {
		return
	}
	q.where = append(q.where, column+" = ?")
	q.args = append(q.args, value)
}

func (q *listQuery) since(column string, from *int64) {
	if from == nil {
		return
	}
	q.where = append(q.where, column+" >= ?")
	q.args = append(q.args, *from)
}

// build appends the WHERE clause, ordering and a clamped page to base.
func (q *listQuery) build(base, orderBy string, limit, offset int) (string, []any) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var sb strings.Builder
	sb.WriteString(base)
	if len(q.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderBy)
	sb.WriteString(" LIMIT ? OFFSET ?")
	return sb.String(), append(q.args, limit, offset)
}
