// Package sqlite stores call records in a local SQLite file for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vango-go/vai-host/pkg/core/call"
	"github.com/vango-go/vai-host/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path (":memory:" for a private in-memory
// database) and applies the embedded schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLite's locking simple and makes :memory: a single database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return fmt.Errorf("sqlite: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC()
}

func (s *Store) CreateSession(ctx context.Context, sess call.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions (id, call_id, caller_number, called_number, started_at, status, state, language)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.CallID, sess.CallerNumber, sess.CalledNumber, toUnix(sess.StartedAt),
		string(sess.Status), string(sess.State), sess.Language)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess call.Session) error {
	var endedAt sql.NullFloat64
	if !sess.EndedAt.IsZero() {
		endedAt = sql.NullFloat64{Float64: toUnix(sess.EndedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_sessions SET
			ended_at = ?, status = ?, state = ?, language = ?,
			recording_consent = ?, sms_consent = ?,
			unrecognized_streak = ?, speech_failures = ?, pipeline_overruns = ?,
			end_reason = ?
		WHERE id = ?`,
		endedAt, string(sess.Status), string(sess.State), sess.Language,
		sess.RecordingConsent, sess.SMSConsent,
		sess.UnrecognizedStreak, sess.SpeechFailures, sess.PipelineOverruns,
		sess.EndReason, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (call.Session, error) {
	var sess call.Session
	var startedAt float64
	var endedAt sql.NullFloat64
	var status, state string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, call_id, caller_number, called_number, started_at, ended_at, status, state, language,
		       recording_consent, sms_consent, unrecognized_streak, speech_failures, pipeline_overruns, end_reason
		FROM call_sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.CallID, &sess.CallerNumber, &sess.CalledNumber, &startedAt, &endedAt,
		&status, &state, &sess.Language,
		&sess.RecordingConsent, &sess.SMSConsent, &sess.UnrecognizedStreak, &sess.SpeechFailures,
		&sess.PipelineOverruns, &sess.EndReason)
	if errors.Is(err, sql.ErrNoRows) {
		return call.Session{}, store.ErrNotFound
	}
	if err != nil {
		return call.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = call.Status(status)
	sess.State = call.State(state)
	sess.StartedAt = timeFromUnix(startedAt)
	if endedAt.Valid {
		sess.EndedAt = timeFromUnix(endedAt.Float64)
	}
	return sess, nil
}

func (s *Store) AppendTurns(ctx context.Context, turns []call.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_turns (session_id, seq, speaker, text, audio_ref, at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.SessionID, t.Seq, string(t.Speaker), t.Text, t.AudioRef, toUnix(t.At)); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]call.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, speaker, text, audio_ref, at
		FROM call_turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []call.Turn
	for rows.Next() {
		var t call.Turn
		var speaker string
		var at float64
		if err := rows.Scan(&t.SessionID, &t.Seq, &speaker, &t.Text, &t.AudioRef, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Speaker = call.Speaker(speaker)
		t.At = timeFromUnix(at)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *Store) PutConsent(ctx context.Context, rec call.ConsentRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consent_records (session_id, type, granted, method, at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, type) DO NOTHING`,
		rec.SessionID, string(rec.Type), rec.Granted, rec.Method, toUnix(rec.At))
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) GetConsent(ctx context.Context, sessionID string, t call.ConsentType) (call.ConsentRecord, error) {
	var rec call.ConsentRecord
	var typ string
	var at float64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, type, granted, method, at
		FROM consent_records WHERE session_id = ? AND type = ?`, sessionID, string(t)).Scan(
		&rec.SessionID, &typ, &rec.Granted, &rec.Method, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return call.ConsentRecord{}, store.ErrNotFound
	}
	if err != nil {
		return call.ConsentRecord{}, fmt.Errorf("scan consent: %w", err)
	}
	rec.Type = call.ConsentType(typ)
	rec.At = timeFromUnix(at)
	return rec, nil
}

func (s *Store) PutReservation(ctx context.Context, r call.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, session_id, party_size, requested_at, name, phone, status, idempotency_key, external_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, external_id = excluded.external_id, updated_at = excluded.updated_at`,
		r.ID, r.SessionID, r.PartySize, toUnix(r.RequestedAt), r.Name, r.Phone, string(r.Status),
		r.IdempotencyKey, r.ExternalID, toUnix(r.CreatedAt), toUnix(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert reservation: %w", err)
	}
	return nil
}

const reservationColumns = `id, session_id, party_size, requested_at, name, phone, status, idempotency_key, external_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (call.Reservation, error) {
	var r call.Reservation
	var requestedAt, createdAt, updatedAt float64
	var status string
	if err := row.Scan(&r.ID, &r.SessionID, &r.PartySize, &requestedAt, &r.Name, &r.Phone, &status,
		&r.IdempotencyKey, &r.ExternalID, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	r.Status = call.ReservationStatus(status)
	r.RequestedAt = timeFromUnix(requestedAt)
	r.CreatedAt = timeFromUnix(createdAt)
	r.UpdatedAt = timeFromUnix(updatedAt)
	return r, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (call.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return call.Reservation{}, store.ErrNotFound
	}
	if err != nil {
		return call.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	return r, nil
}

func (s *Store) ListReservations(ctx context.Context, sessionID string) ([]call.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []call.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvents(ctx context.Context, events []call.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO analytics_events (id, type, session_id, payload, at) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, string(ev.Type), ev.SessionID, string(payload), toUnix(ev.At)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]call.AnalyticsEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, session_id, payload, at FROM analytics_events
		WHERE ? = '' OR session_id = ? ORDER BY at, id`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []call.AnalyticsEvent
	for rows.Next() {
		var ev call.AnalyticsEvent
		var typ, payload string
		var at float64
		if err := rows.Scan(&ev.ID, &typ, &ev.SessionID, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = call.EventType(typ)
		ev.At = timeFromUnix(at)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
