package callog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initCallSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initCallSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			session_id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL DEFAULT '',
			stream_sid TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL,
			end_reason TEXT NOT NULL DEFAULT '',
			tool_calls INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_started ON call_records (started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS call_transcript_lines (
			session_id TEXT NOT NULL REFERENCES call_records(session_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init call schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO call_records (
			session_id, call_sid, stream_sid, started_at, ended_at, end_reason, tool_calls
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id) DO UPDATE SET
			call_sid=EXCLUDED.call_sid,
			stream_sid=EXCLUDED.stream_sid,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at,
			end_reason=EXCLUDED.end_reason,
			tool_calls=EXCLUDED.tool_calls`,
		rec.SessionID,
		rec.CallSID,
		rec.StreamSID,
		rec.StartedAt,
		rec.EndedAt,
		rec.EndReason,
		rec.ToolCalls,
	)
	if err != nil {
		return fmt.Errorf("upsert call record: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_transcript_lines WHERE session_id=$1`, rec.SessionID); err != nil {
		return fmt.Errorf("delete prior transcript: %w", err)
	}

	for i, line := range rec.Transcript {
		_, err := tx.Exec(ctx,
			`INSERT INTO call_transcript_lines (session_id, seq, role, text, at)
			 VALUES ($1,$2,$3,$4,$5)`,
			rec.SessionID, i, line.Role, line.Text, line.At,
		)
		if err != nil {
			return fmt.Errorf("insert transcript line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, sessionID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, call_sid, stream_sid, started_at, ended_at, end_reason, tool_calls
		   FROM call_records WHERE session_id=$1`,
		sessionID,
	)
	var rec Record
	if err := row.Scan(
		&rec.SessionID,
		&rec.CallSID,
		&rec.StreamSID,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.EndReason,
		&rec.ToolCalls,
	); err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, ErrStoreNotFound
		}
		return Record{}, fmt.Errorf("get call record: %w", err)
	}

	transcript, err := s.loadTranscript(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	rec.Transcript = transcript
	return rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, call_sid, stream_sid, started_at, ended_at, end_reason, tool_calls
		   FROM call_records ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.SessionID,
			&rec.CallSID,
			&rec.StreamSID,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.EndReason,
			&rec.ToolCalls,
		); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}

	for i := range out {
		transcript, err := s.loadTranscript(ctx, out[i].SessionID)
		if err != nil {
			return nil, err
		}
		out[i].Transcript = transcript
	}
	return out, nil
}

func (s *PostgresStore) loadTranscript(ctx context.Context, sessionID string) ([]Line, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, text, at FROM call_transcript_lines
		  WHERE session_id=$1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcript lines: %w", err)
	}
	defer rows.Close()

	lines := make([]Line, 0, 8)
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.Role, &line.Text, &line.At); err != nil {
			return nil, fmt.Errorf("scan transcript line: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript lines: %w", err)
	}
	return lines, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
