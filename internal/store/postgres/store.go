// Package postgres implements store.Store on a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/edp/internal/model"
	"github.com/austindbirch/edp/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

var _ store.Store = (*Store)(nil)

// Store is a Postgres-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. The Store owns the pool and closes it on Close.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the edp schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateDestination(ctx context.Context, d *model.Destination) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	headers, err := json.Marshal(nonNilHeaders(d.Headers))
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO edp.destinations(id, name, url, http_method, headers, signing_secret, rate_limit_rps)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING created_at`,
		d.ID, d.Name, d.URL, d.Method(), string(headers), d.SigningSecret, d.RateLimitRPS,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert destination: %w", err)
	}
	return nil
}

func (s *Store) GetDestination(ctx context.Context, id uuid.UUID) (*model.Destination, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, url, http_method, headers, signing_secret, rate_limit_rps, created_at
		FROM edp.destinations
		WHERE id = $1`, id)
	d, err := scanDestination(row)
	if err != nil {
		return nil, fmt.Errorf("get destination %s: %w", id, err)
	}
	return d, nil
}

func (s *Store) ListDestinations(ctx context.Context) ([]*model.Destination, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, url, http_method, headers, signing_secret, rate_limit_rps, created_at
		FROM edp.destinations
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var out []*model.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("list destinations: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateEvent(ctx context.Context, evt *model.Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO edp.events(id, destination_id, payload, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		evt.ID, evt.DestinationID, evt.Payload, string(evt.Status), nullable(evt.IdempotencyKey),
	).Scan(&evt.CreatedAt, &evt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM edp.events WHERE id = $1`, id)
	evt, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return evt, nil
}

func (s *Store) FindEventByIdempotencyKey(ctx context.Context, destinationID uuid.UUID, key string) (*model.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM edp.events
		WHERE destination_id = $1 AND idempotency_key = $2`,
		destinationID, key)
	evt, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("find event by idempotency key: %w", err)
	}
	return evt, nil
}

func (s *Store) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM edp.events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateEventStatus(ctx context.Context, id uuid.UUID, status model.EventStatus) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE edp.events SET status = $2, updated_at = NOW()
		WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FindEventsByStatus(ctx context.Context, status model.EventStatus, limit int) ([]*model.Event, error) {
	sql := `SELECT ` + eventColumns + ` FROM edp.events WHERE status = $1 ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, sql, args...)
}

func (s *Store) FindReplayCandidates(ctx context.Context, q store.ReplayQuery) ([]*model.Event, error) {
	sql, args := buildReplayQuery(q)
	return s.queryEvents(ctx, sql, args...)
}

func (s *Store) CreateAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO edp.delivery_attempts(id, event_id, response_code, response_body, success, duration_ms, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.EventID, a.ResponseCode, model.TruncateBody(a.ResponseBody), a.Success, a.DurationMs, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", mapError(err))
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, eventID uuid.UUID) ([]*model.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, response_code, response_body, success, duration_ms, attempted_at
		FROM edp.delivery_attempts
		WHERE event_id = $1
		ORDER BY attempted_at, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*model.DeliveryAttempt
	for rows.Next() {
		var a model.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.EventID, &a.ResponseCode, &a.ResponseBody, &a.Success, &a.DurationMs, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) queryEvents(ctx context.Context, sql string, args ...any) ([]*model.Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

const eventColumns = `id, destination_id, payload, status, COALESCE(idempotency_key, ''), created_at, updated_at`

// buildReplayQuery renders q as SQL with positional arguments.
func buildReplayQuery(q store.ReplayQuery) (string, []any) {
	var b strings.Builder
	args := []any{q.DestinationID, q.Since}

	b.WriteString(`SELECT ` + eventColumns + ` FROM edp.events WHERE destination_id = $1 AND created_at >= $2`)
	if q.Status != nil {
		args = append(args, string(*q.Status))
		fmt.Fprintf(&b, ` AND status = $%d`, len(args))
	}
	if q.Until != nil {
		args = append(args, *q.Until)
		fmt.Fprintf(&b, ` AND created_at <= $%d`, len(args))
	}
	if q.After != nil {
		args = append(args, q.After.CreatedAt, q.After.ID)
		fmt.Fprintf(&b, ` AND (created_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	b.WriteString(` ORDER BY created_at, id`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args
}

func scanDestination(row pgx.Row) (*model.Destination, error) {
	var d model.Destination
	var headers []byte
	if err := row.Scan(&d.ID, &d.Name, &d.URL, &d.HTTPMethod, &headers, &d.SigningSecret, &d.RateLimitRPS, &d.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &d.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return &d, nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var evt model.Event
	var status string
	if err := row.Scan(&evt.ID, &evt.DestinationID, &evt.Payload, &status, &evt.IdempotencyKey, &evt.CreatedAt, &evt.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	evt.Status = model.EventStatus(status)
	return &evt, nil
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
