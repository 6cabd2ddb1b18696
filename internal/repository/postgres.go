package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentflow/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.Workflow, stages []models.Stage) error {
	if wf.Status == "" {
		wf.Status = models.StatusPending
	}
	if wf.StartedAt.IsZero() {
		wf.StartedAt = models.Now()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO workflows (id, owner_id, status, started_at, ended_at) VALUES ($1, $2, $3, $4, $5)",
		wf.ID, wf.OwnerID, wf.Status, wf.StartedAt, wf.EndedAt)
	if err != nil {
		return mapPgError(err, "workflow "+wf.ID)
	}
	for _, st := range stages {
		_, err = tx.Exec(ctx,
			"INSERT INTO workflow_stages (id, workflow_id, stage, status) VALUES ($1, $2, $3, $4)",
			uuid.New().String(), wf.ID, st, models.StatusPending)
		if err != nil {
			return mapPgError(err, fmt.Sprintf("stage %s of workflow %s", st, wf.ID))
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, "SELECT id, owner_id, status, started_at, ended_at FROM workflows WHERE id = $1", id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}
	return wf, err
}

func (s *PostgresStore) SetWorkflowStatus(ctx context.Context, id string, to models.Status) (*models.Workflow, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wf, err := scanWorkflow(tx.QueryRow(ctx,
		"SELECT id, owner_id, status, started_at, ended_at FROM workflows WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := tx.Exec(ctx, "UPDATE workflows SET status = $1, ended_at = $2 WHERE id = $3", wf.Status, wf.EndedAt, id); err != nil {
		return nil, err
	}
	return wf, tx.Commit(ctx)
}

func (s *PostgresStore) GetStage(ctx context.Context, workflowID string, stage models.Stage) (*models.StageRecord, error) {
	rec, err := scanStage(s.db.QueryRow(ctx,
		"SELECT id, workflow_id, stage, status, result, started_at, ended_at FROM workflow_stages WHERE workflow_id = $1 AND stage = $2",
		workflowID, stage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: stage %s of workflow %s", ErrNotFound, stage, workflowID)
	}
	return rec, err
}

// Transition locks the stage row so that concurrent attempts to start the
// same stage serialize and only the first one succeeds.
func (s *PostgresStore) Transition(ctx context.Context, workflowID string, stage models.Stage, to models.Status, result json.RawMessage) (*models.StageRecord, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := scanStage(tx.QueryRow(ctx,
		"SELECT id, workflow_id, stage, status, result, started_at, ended_at FROM workflow_stages WHERE workflow_id = $1 AND stage = $2 FOR UPDATE",
		workflowID, stage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: stage %s of workflow %s", ErrNotFound, stage, workflowID)
	}
	if err != nil {
		return nil, err
	}
	if err := checkTransition(rec.Status, to); err != nil {
		return nil, fmt.Errorf("stage %s: %w", stage, err)
	}
	applyTransition(rec, to, result)

	_, err = tx.Exec(ctx,
		"UPDATE workflow_stages SET status = $1, result = $2, started_at = $3, ended_at = $4 WHERE id = $5",
		rec.Status, jsonParam(rec.Result), rec.StartedAt, rec.EndedAt, rec.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReadJoined reads the workflow and its stages with a single statement, so
// the result reflects one database snapshot.
func (s *PostgresStore) ReadJoined(ctx context.Context, workflowID string) (*models.Snapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT w.id, w.owner_id, w.status, w.started_at, w.ended_at,
		       s.id, s.workflow_id, s.stage, s.status, s.result, s.started_at, s.ended_at
		FROM workflows w
		JOIN workflow_stages s ON s.workflow_id = w.id
		WHERE w.id = $1
		ORDER BY s.stage`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wf *models.Workflow
	var recs []*models.StageRecord
	for rows.Next() {
		var w models.Workflow
		var r models.StageRecord
		var result []byte
		err := rows.Scan(&w.ID, &w.OwnerID, &w.Status, &w.StartedAt, &w.EndedAt,
			&r.ID, &r.WorkflowID, &r.Stage, &r.Status, &result, &r.StartedAt, &r.EndedAt)
		if err != nil {
			return nil, err
		}
		if wf == nil {
			normalizeWorkflow(&w)
			wf = &w
		}
		r.Result = rawJSON(result)
		normalizeStage(&r)
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return models.NewSnapshot(wf, recs), nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, owner_id, status, started_at, ended_at FROM workflows WHERE owner_id = $1 ORDER BY started_at DESC, id",
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = models.Now()
	}
	_, err := s.db.Exec(ctx, "INSERT INTO users (id, name, created_at) VALUES ($1, $2, $3)", user.ID, user.Name, user.CreatedAt)
	return mapPgError(err, "user "+user.Name)
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	var user models.User
	err := s.db.QueryRow(ctx, "SELECT id, name, created_at FROM users WHERE name = $1", name).Scan(&user.ID, &user.Name, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, userID, token string) error {
	_, err := s.db.Exec(ctx, "INSERT INTO auth_tokens (token, user_id) VALUES ($1, $2)", token, userID)
	return mapPgError(err, "token")
}

func (s *PostgresStore) UserIDForToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRow(ctx, "SELECT user_id FROM auth_tokens WHERE token = $1", token).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: token", ErrNotFound)
	}
	return userID, err
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var wf models.Workflow
	if err := row.Scan(&wf.ID, &wf.OwnerID, &wf.Status, &wf.StartedAt, &wf.EndedAt); err != nil {
		return nil, err
	}
	normalizeWorkflow(&wf)
	return &wf, nil
}

func scanStage(row pgx.Row) (*models.StageRecord, error) {
	var rec models.StageRecord
	var result []byte
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.Stage, &rec.Status, &result, &rec.StartedAt, &rec.EndedAt); err != nil {
		return nil, err
	}
	rec.Result = rawJSON(result)
	normalizeStage(&rec)
	return &rec, nil
}

func mapPgError(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	}
	return err
}

func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func normalizeWorkflow(wf *models.Workflow) {
	wf.StartedAt = wf.StartedAt.UTC()
	wf.EndedAt = utcPtr(wf.EndedAt)
}

func normalizeStage(rec *models.StageRecord) {
	rec.StartedAt = utcPtr(rec.StartedAt)
	rec.EndedAt = utcPtr(rec.EndedAt)
}

var _ Repository = (*PostgresStore)(nil)
