// Package repo is the SQL implementation of store.Store for SQLite and Postgres.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tilesync/internal/db"
	"tilesync/internal/domain"
	"tilesync/internal/events"
	"tilesync/internal/store"
)

var _ store.Store = Repo{}

type Repo struct {
	DB     *sql.DB
	Driver string
	Events events.Writer
	Now    func() time.Time
}

func New(conn *sql.DB, driver string) Repo {
	return Repo{DB: conn, Driver: driver, Events: events.Writer{Driver: driver}, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) q(query string) string { return db.Rebind(r.Driver, query) }

const itemColumns = `id,parent_id,status,name,assigned_to,priority,progress,zone,machine,materials_json,estimated_time,notes,dxf_file,assembly_drawing,version,started_at,completed_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var (
		it        domain.WorkItem
		status    string
		materials string
		started   sql.NullString
		completed sql.NullString
	)
	err := row.Scan(&it.ID, &it.ParentID, &status, &it.Name, &it.AssignedTo, &it.Priority, &it.Progress,
		&it.Zone, &it.Machine, &materials, &it.EstimatedTime, &it.Notes, &it.DxfFile, &it.AssemblyDrawing, &it.Version,
		&started, &completed, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, store.ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if it.Status, err = domain.ParseStatus(status); err != nil {
		return it, fmt.Errorf("item %s: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(materials), &it.Materials); err != nil {
		return it, fmt.Errorf("item %s materials: %w", it.ID, err)
	}
	if len(it.Materials) == 0 {
		it.Materials = nil
	}
	if started.Valid {
		it.StartedAt = &started.String
	}
	if completed.Valid {
		it.CompletedAt = &completed.String
	}
	return it, nil
}

func (r Repo) getItem(ctx context.Context, q queryRower, id string) (domain.WorkItem, error) {
	return scanItem(q.QueryRowContext(ctx, r.q(`SELECT `+itemColumns+` FROM work_items WHERE id=?`), id))
}

func (r Repo) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	it, err := r.getItem(ctx, r.DB, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return it, store.Unavailable("get item", err)
	}
	return it, err
}

func (r Repo) ListByParent(ctx context.Context, parentID string) ([]domain.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items`
	var args []any
	if parentID != "" {
		query += ` WHERE parent_id=?`
		args = append(args, parentID)
	}
	query += ` ORDER BY parent_id, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, store.Unavailable("list items", err)
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list items", err)
	}
	return res, nil
}

func (r Repo) insertItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	materials, err := marshalStringSlice(it.Materials)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		it.ID, it.ParentID, it.Status.String(), it.Name, it.AssignedTo, it.Priority, it.Progress,
		it.Zone, it.Machine, materials, it.EstimatedTime, it.Notes, it.DxfFile, it.AssemblyDrawing, it.Version,
		nullablePtr(it.StartedAt), nullablePtr(it.CompletedAt), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	return nil
}

func (r Repo) exists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM work_items WHERE id=?`), id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) Create(ctx context.Context, d domain.WorkItemDraft) (domain.WorkItem, error) {
	if err := store.ValidateDraft(d); err != nil {
		return domain.WorkItem{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, store.Unavailable("begin", err)
	}
	defer tx.Rollback()

	dup, err := r.exists(ctx, tx, d.ID)
	if err != nil {
		return domain.WorkItem{}, store.Unavailable("create item", err)
	}
	if dup {
		return domain.WorkItem{}, fmt.Errorf("%w: %s", store.ErrDuplicate, d.ID)
	}
	it := domain.NewItem(d, r.now())
	if err := r.insertItem(ctx, tx, it); err != nil {
		return domain.WorkItem{}, store.Unavailable("create item", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, store.Unavailable("commit", err)
	}
	return it, nil
}

func (r Repo) CompareAndSwapStatus(ctx context.Context, id string, expectedVersion int64, status domain.Status, sourceView string) (domain.WorkItem, error) {
	return r.Update(ctx, id, expectedVersion, domain.FieldUpdate{Status: &status}, sourceView)
}

// Update applies the patch when the stored version equals expectedVersion.
// The guarded UPDATE decides the race; the read before it only builds the new row.
func (r Repo) Update(ctx context.Context, id string, expectedVersion int64, fields domain.FieldUpdate, sourceView string) (domain.WorkItem, error) {
	if err := store.ValidateUpdate(fields); err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, store.Unavailable("begin", err)
	}
	defer tx.Rollback()

	it, err := r.getItem(ctx, tx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.WorkItem{}, err
	}
	if err != nil {
		return domain.WorkItem{}, store.Unavailable("read item", err)
	}
	if it.Version != expectedVersion {
		return domain.WorkItem{}, &store.VersionConflictError{Expected: expectedVersion, Current: it}
	}

	now := r.now()
	prev := fields.Apply(&it, now)
	it.Version = expectedVersion + 1
	it.UpdatedAt = now.UTC().Format(time.RFC3339)
	materials, err := marshalStringSlice(it.Materials)
	if err != nil {
		return domain.WorkItem{}, err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE work_items SET status=?,name=?,assigned_to=?,priority=?,progress=?,zone=?,machine=?,materials_json=?,estimated_time=?,notes=?,dxf_file=?,assembly_drawing=?,version=?,started_at=?,completed_at=?,updated_at=? WHERE id=? AND version=?`),
		it.Status.String(), it.Name, it.AssignedTo, it.Priority, it.Progress, it.Zone, it.Machine, materials,
		it.EstimatedTime, it.Notes, it.DxfFile, it.AssemblyDrawing, it.Version, nullablePtr(it.StartedAt), nullablePtr(it.CompletedAt), it.UpdatedAt,
		id, expectedVersion)
	if err != nil {
		return domain.WorkItem{}, store.Unavailable("update item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := r.getItem(ctx, tx, id)
		if err != nil {
			return domain.WorkItem{}, store.Unavailable("read item", err)
		}
		return domain.WorkItem{}, &store.VersionConflictError{Expected: expectedVersion, Current: current}
	}
	if fields.Status != nil {
		if _, err := r.Events.Append(ctx, tx, domain.Transition{
			ItemID:     id,
			ParentID:   it.ParentID,
			From:       prev,
			To:         it.Status,
			SourceView: sourceView,
			Version:    it.Version,
			At:         it.UpdatedAt,
		}); err != nil {
			return domain.WorkItem{}, store.Unavailable("update item", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, store.Unavailable("commit", err)
	}
	return it, nil
}

// CreateBatch claims the parent's backfill mark and inserts the drafts in one
// transaction. The mark's primary key makes the claim exclusive.
func (r Repo) CreateBatch(ctx context.Context, parentID string, drafts []domain.WorkItemDraft) ([]domain.WorkItem, error) {
	if parentID == "" {
		return nil, fmt.Errorf("%w: parent_id is required", store.ErrInvalidInput)
	}
	seen := map[string]bool{}
	for i := range drafts {
		if drafts[i].ParentID != parentID {
			return nil, fmt.Errorf("%w: draft %d belongs to %q", store.ErrInvalidInput, i, drafts[i].ParentID)
		}
		if err := store.ValidateDraft(drafts[i]); err != nil {
			return nil, err
		}
		if drafts[i].ID == "" {
			drafts[i].ID = uuid.NewString()
		}
		if seen[drafts[i].ID] {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicate, drafts[i].ID)
		}
		seen[drafts[i].ID] = true
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Unavailable("begin", err)
	}
	defer tx.Rollback()

	now := r.now()
	ts := now.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO backfill_marks(parent_id,item_count,created_at) VALUES (?,?,?) ON CONFLICT (parent_id) DO NOTHING`),
		parentID, len(drafts), ts)
	if err != nil {
		return nil, store.Unavailable("claim backfill", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrAlreadyGenerated
	}
	var existing int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM work_items WHERE parent_id=?`), parentID).Scan(&existing); err != nil {
		return nil, store.Unavailable("count items", err)
	}
	if existing > 0 {
		return nil, store.ErrParentHasItems
	}
	created := make([]domain.WorkItem, 0, len(drafts))
	for _, d := range drafts {
		dup, err := r.exists(ctx, tx, d.ID)
		if err != nil {
			return nil, store.Unavailable("create batch", err)
		}
		if dup {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicate, d.ID)
		}
		it := domain.NewItem(d, now)
		if err := r.insertItem(ctx, tx, it); err != nil {
			return nil, store.Unavailable("create batch", err)
		}
		created = append(created, it)
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Unavailable("commit", err)
	}
	return created, nil
}

func (r Repo) Transitions(ctx context.Context, itemID string) ([]domain.Transition, error) {
	if _, err := r.Get(ctx, itemID); err != nil {
		return nil, err
	}
	res, err := r.Events.List(ctx, r.DB, itemID)
	if err != nil {
		return nil, store.Unavailable("list transitions", err)
	}
	return res, nil
}

// Generated reports whether the parent's backfill mark exists.
func (r Repo) Generated(ctx context.Context, parentID string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM backfill_marks WHERE parent_id=?`), parentID).Scan(&n); err != nil {
		return false, store.Unavailable("read backfill mark", err)
	}
	return n > 0, nil
}

func marshalStringSlice(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal materials: %w", err)
	}
	return string(data), nil
}

func nullablePtr(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}
