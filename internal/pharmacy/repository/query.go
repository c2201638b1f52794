package repository

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Page is a limit/offset window. A zero Limit means the default.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListResult is one page of a filtered list
type ListResult[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// selectPage counts the rows matched by q, then loads the requested page
// ordered by orderBy.
func selectPage[T any](ctx context.Context, db database.Querier, q squirrel.SelectBuilder, orderBy string, page Page) (ListResult[T], error) {
	page = page.normalized()
	result := ListResult[T]{Items: []T{}, Limit: page.Limit, Offset: page.Offset}

	countSQL, countArgs, err := psql.Select("COUNT(*)").FromSelect(q, "sub").ToSql()
	if err != nil {
		return result, fmt.Errorf("build count: %w", err)
	}
	if err := db.GetContext(ctx, &result.TotalCount, countSQL, countArgs...); err != nil {
		return result, fmt.Errorf("count: %w", err)
	}

	query, args, err := q.OrderBy(orderBy).
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return result, fmt.Errorf("build query: %w", err)
	}
	if err := db.SelectContext(ctx, &result.Items, query, args...); err != nil {
		return result, fmt.Errorf("select: %w", err)
	}

	return result, nil
}
