package events

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"tilesync/internal/db"
	"tilesync/internal/domain"
)

// Writer appends and reads the transition log.
type Writer struct {
	Driver string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Append records tr inside the caller's transaction. An empty ID is generated.
func (w Writer) Append(ctx context.Context, tx execer, tr domain.Transition) (domain.Transition, error) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, db.Rebind(w.Driver, `INSERT INTO transitions(id,item_id,parent_id,from_status,to_status,source_view,version,ts) VALUES (?,?,?,?,?,?,?,?)`),
		tr.ID, tr.ItemID, tr.ParentID, tr.From.String(), tr.To.String(), tr.SourceView, tr.Version, tr.At)
	if err != nil {
		return tr, fmt.Errorf("insert transition: %w", err)
	}
	return tr, nil
}

// List returns the item's transitions ordered by version.
func (w Writer) List(ctx context.Context, q querier, itemID string) ([]domain.Transition, error) {
	rows, err := q.QueryContext(ctx, db.Rebind(w.Driver, `SELECT id,item_id,parent_id,from_status,to_status,source_view,version,ts FROM transitions WHERE item_id=? ORDER BY version`), itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var (
			tr       domain.Transition
			from, to string
		)
		if err := rows.Scan(&tr.ID, &tr.ItemID, &tr.ParentID, &from, &to, &tr.SourceView, &tr.Version, &tr.At); err != nil {
			return nil, err
		}
		if tr.From, err = domain.ParseStatus(from); err != nil {
			return nil, fmt.Errorf("transition %s: %w", tr.ID, err)
		}
		if tr.To, err = domain.ParseStatus(to); err != nil {
			return nil, fmt.Errorf("transition %s: %w", tr.ID, err)
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}
