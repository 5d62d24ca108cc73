// Package postgres stores call records in PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL. When migrate is set the embedded schema is
// applied before returning.
func Open(ctx context.Context, databaseURL string, migrate bool) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess call.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_sessions (id, call_id, caller_number, called_number, started_at, status, state, language)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.CallID, sess.CallerNumber, sess.CalledNumber, sess.StartedAt, sess.Status, sess.State, sess.Language)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess call.Session) error {
	var endedAt *time.Time
	if !sess.EndedAt.IsZero() {
		endedAt = &sess.EndedAt
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions SET
			ended_at = $2, status = $3, state = $4, language = $5,
			recording_consent = $6, sms_consent = $7,
			unrecognized_streak = $8, speech_failures = $9, pipeline_overruns = $10,
			end_reason = $11
		WHERE id = $1`,
		sess.ID, endedAt, sess.Status, sess.State, sess.Language,
		sess.RecordingConsent, sess.SMSConsent,
		sess.UnrecognizedStreak, sess.SpeechFailures, sess.PipelineOverruns,
		sess.EndReason)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (call.Session, error) {
	var sess call.Session
	var endedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, call_id, caller_number, called_number, started_at, ended_at, status, state, language,
		       recording_consent, sms_consent, unrecognized_streak, speech_failures, pipeline_overruns, end_reason
		FROM call_sessions WHERE id = $1`, id).Scan(
		&sess.ID, &sess.CallID, &sess.CallerNumber, &sess.CalledNumber, &sess.StartedAt, &endedAt,
		&sess.Status, &sess.State, &sess.Language,
		&sess.RecordingConsent, &sess.SMSConsent, &sess.UnrecognizedStreak, &sess.SpeechFailures,
		&sess.PipelineOverruns, &sess.EndReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return call.Session{}, store.ErrNotFound
	}
	if err != nil {
		return call.Session{}, fmt.Errorf("select session: %w", err)
	}
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}
	return sess, nil
}

func (s *Store) AppendTurns(ctx context.Context, turns []call.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range turns {
		batch.Queue(`INSERT INTO call_turns (session_id, seq, speaker, text, audio_ref, at) VALUES ($1, $2, $3, $4, $5, $6)`,
			t.SessionID, t.Seq, t.Speaker, t.Text, t.AudioRef, t.At)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert turns: %w", err)
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]call.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, seq, speaker, text, audio_ref, at
		FROM call_turns WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (call.Turn, error) {
		var t call.Turn
		err := row.Scan(&t.SessionID, &t.Seq, &t.Speaker, &t.Text, &t.AudioRef, &t.At)
		return t, err
	})
}

func (s *Store) PutConsent(ctx context.Context, rec call.ConsentRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO consent_records (session_id, type, granted, method, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, type) DO NOTHING`,
		rec.SessionID, rec.Type, rec.Granted, rec.Method, rec.At)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) GetConsent(ctx context.Context, sessionID string, t call.ConsentType) (call.ConsentRecord, error) {
	var rec call.ConsentRecord
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, type, granted, method, at
		FROM consent_records WHERE session_id = $1 AND type = $2`, sessionID, t).Scan(
		&rec.SessionID, &rec.Type, &rec.Granted, &rec.Method, &rec.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return call.ConsentRecord{}, store.ErrNotFound
	}
	if err != nil {
		return call.ConsentRecord{}, fmt.Errorf("select consent: %w", err)
	}
	return rec, nil
}

func (s *Store) PutReservation(ctx context.Context, r call.Reservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reservations (id, session_id, party_size, requested_at, name, phone, status, idempotency_key, external_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, external_id = EXCLUDED.external_id, updated_at = EXCLUDED.updated_at`,
		r.ID, r.SessionID, r.PartySize, r.RequestedAt, r.Name, r.Phone, r.Status, r.IdempotencyKey, r.ExternalID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert reservation: %w", err)
	}
	return nil
}

const reservationColumns = `id, session_id, party_size, requested_at, name, phone, status, idempotency_key, external_id, created_at, updated_at`

func scanReservation(row pgx.Row) (call.Reservation, error) {
	var r call.Reservation
	err := row.Scan(&r.ID, &r.SessionID, &r.PartySize, &r.RequestedAt, &r.Name, &r.Phone, &r.Status,
		&r.IdempotencyKey, &r.ExternalID, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) GetReservation(ctx context.Context, id string) (call.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return call.Reservation{}, store.ErrNotFound
	}
	if err != nil {
		return call.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	return r, nil
}

func (s *Store) ListReservations(ctx context.Context, sessionID string) ([]call.Reservation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (call.Reservation, error) {
		return scanReservation(row)
	})
}

func (s *Store) AppendEvents(ctx context.Context, events []call.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		batch.Queue(`INSERT INTO analytics_events (id, type, session_id, payload, at) VALUES ($1, $2, $3, $4, $5)`,
			ev.ID, ev.Type, ev.SessionID, payload, ev.At)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]call.AnalyticsEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, session_id, payload, at FROM analytics_events
		WHERE $1 = '' OR session_id = $1 ORDER BY at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (call.AnalyticsEvent, error) {
		var ev call.AnalyticsEvent
		var payload []byte
		if err := row.Scan(&ev.ID, &ev.Type, &ev.SessionID, &payload, &ev.At); err != nil {
			return ev, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return ev, err
			}
		}
		return ev, nil
	})
}
