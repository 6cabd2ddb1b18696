package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentflow/backend/pkg/models"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Fixed width so that text comparison orders timestamps.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a single-file Repository for local development. It keeps one
// open connection, which serializes every transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range strings.Split(sqliteSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *models.Workflow, stages []models.Stage) error {
	if wf.Status == "" {
		wf.Status = models.StatusPending
	}
	if wf.StartedAt.IsZero() {
		wf.StartedAt = models.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO workflows (id, owner_id, status, started_at, ended_at) VALUES (?, ?, ?, ?, ?)",
		wf.ID, wf.OwnerID, string(wf.Status), formatTime(&wf.StartedAt), formatTime(wf.EndedAt))
	if err != nil {
		return mapSQLiteError(err, "workflow "+wf.ID)
	}
	for _, st := range stages {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO workflow_stages (id, workflow_id, stage, status) VALUES (?, ?, ?, ?)",
			uuid.New().String(), wf.ID, string(st), string(models.StatusPending))
		if err != nil {
			return mapSQLiteError(err, fmt.Sprintf("stage %s of workflow %s", st, wf.ID))
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := s.getWorkflow(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return wf, err
}

func (s *SQLiteStore) SetWorkflowStatus(ctx context.Context, id string, to models.Status) (*models.Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wf, err := s.getWorkflow(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := checkTransition(wf.Status, to); err != nil {
		return nil, err
	}
	wf.Status = to
	if to.Terminal() {
		now := models.Now()
		wf.EndedAt = &now
	}
	_, err = tx.ExecContext(ctx, "UPDATE workflows SET status = ?, ended_at = ? WHERE id = ?",
		string(wf.Status), formatTime(wf.EndedAt), id)
	if err != nil {
		return nil, err
	}
	return wf, tx.Commit()
}

func (s *SQLiteStore) GetStage(ctx context.Context, workflowID string, stage models.Stage) (*models.StageRecord, error) {
	rec, err := s.getStage(ctx, s.db, workflowID, stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: stage %s of workflow %s", ErrNotFound, stage, workflowID)
	}
	return rec, err
}

func (s *SQLiteStore) Transition(ctx context.Context, workflowID string, stage models.Stage, to models.Status, result json.RawMessage) (*models.StageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := s.getStage(ctx, tx, workflowID, stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: stage %s of workflow %s", ErrNotFound, stage, workflowID)
	}
	if err != nil {
		return nil, err
	}
	if err := checkTransition(rec.Status, to); err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}
	applyTransition(rec, to, result)

	_, err = tx.ExecContext(ctx,
		"UPDATE workflow_stages SET status = ?, result = ?, started_at = ?, ended_at = ? WHERE id = ?",
		string(rec.Status), jsonParam(rec.Result), formatTime(rec.StartedAt), formatTime(rec.EndedAt), rec.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) ReadJoined(ctx context.Context, workflowID string) (*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.owner_id, w.status, w.started_at, w.ended_at,
		       s.id, s.workflow_id, s.stage, s.status, s.result, s.started_at, s.ended_at
		FROM workflows w
		JOIN workflow_stages s ON s.workflow_id = w.id
		WHERE w.id = ?
		ORDER BY s.stage`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wf *models.Workflow
	var recs []*models.StageRecord
	for rows.Next() {
		var w wfRow
		var r stageRow
		err := rows.Scan(&w.id, &w.ownerID, &w.status, &w.startedAt, &w.endedAt,
			&r.id, &r.workflowID, &r.stage, &r.status, &r.result, &r.startedAt, &r.endedAt)
		if err != nil {
			return nil, err
		}
		if wf == nil {
			if wf, err = w.model(); err != nil {
				return nil, err
			}
		}
		rec, err := r.model()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return models.NewSnapshot(wf, recs), nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, status, started_at, ended_at FROM workflows WHERE owner_id = ? ORDER BY started_at DESC, id",
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		var w wfRow
		if err := rows.Scan(&w.id, &w.ownerID, &w.status, &w.startedAt, &w.endedAt); err != nil {
			return nil, err
		}
		wf, err := w.model()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = models.Now()
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)",
		user.ID, user.Name, formatTime(&user.CreatedAt))
	return mapSQLiteError(err, "user "+user.Name)
}

func (s *SQLiteStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	var user models.User
	var created string
	err := s.db.QueryRowContext(ctx, "SELECT id, name, created_at FROM users WHERE name = ?", name).
		Scan(&user.ID, &user.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	if user.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLiteStore) CreateToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO auth_tokens (token, user_id) VALUES (?, ?)", token, userID)
	return mapSQLiteError(err, "token")
}

func (s *SQLiteStore) UserIDForToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, "SELECT user_id FROM auth_tokens WHERE token = ?", token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: token", ErrNotFound)
	}
	return userID, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getWorkflow(ctx context.Context, q querier, id string) (*models.Workflow, error) {
	var w wfRow
	err := q.QueryRowContext(ctx, "SELECT id, owner_id, status, started_at, ended_at FROM workflows WHERE id = ?", id).
		Scan(&w.id, &w.ownerID, &w.status, &w.startedAt, &w.endedAt)
	if err != nil {
		return nil, err
	}
	return w.model()
}

func (s *SQLiteStore) getStage(ctx context.Context, q querier, workflowID string, stage models.Stage) (*models.StageRecord, error) {
	var r stageRow
	err := q.QueryRowContext(ctx,
		"SELECT id, workflow_id, stage, status, result, started_at, ended_at FROM workflow_stages WHERE workflow_id = ? AND stage = ?",
		workflowID, string(stage)).
		Scan(&r.id, &r.workflowID, &r.stage, &r.status, &r.result, &r.startedAt, &r.endedAt)
	if err != nil {
		return nil, err
	}
	return r.model()
}

type wfRow struct {
	id, ownerID, status, startedAt string
	endedAt                        sql.NullString
}

func (r wfRow) model() (*models.Workflow, error) {
	started, err := time.Parse(sqliteTimeLayout, r.startedAt)
	if err != nil {
		return nil, err
	}
	ended, err := parseNullTime(r.endedAt)
	if err != nil {
		return nil, err
	}
	return &models.Workflow{
		ID:        r.id,
		OwnerID:   r.ownerID,
		Status:    models.Status(r.status),
		StartedAt: started,
		EndedAt:   ended,
	}, nil
}

type stageRow struct {
	id, workflowID, stage, status string
	result                        sql.NullString
	startedAt, endedAt            sql.NullString
}

func (r stageRow) model() (*models.StageRecord, error) {
	started, err := parseNullTime(r.startedAt)
	if err != nil {
		return nil, err
	}
	ended, err := parseNullTime(r.endedAt)
	if err != nil {
		return nil, err
	}
	rec := &models.StageRecord{
		ID:         r.id,
		WorkflowID: r.workflowID,
		Stage:      models.Stage(r.stage),
		Status:     models.Status(r.status),
		StartedAt:  started,
		EndedAt:    ended,
	}
	if r.result.Valid {
		rec.Result = json.RawMessage(r.result.String)
	}
	return rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, s.String)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func mapSQLiteError(err error, what string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY") {
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	}
	return err
}

var _ Repository = (*SQLiteStore)(nil)
