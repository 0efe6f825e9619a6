package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// CallRecord is the durable summary of one finished call.
type CallRecord struct {
	LinkedID      string
	Caller        string
	Callee        string
	Bot           string
	Identity      string // validated RUT, empty when capture failed
	StartedAt     time.Time
	EndedAt       time.Time
	Turns         int
	EndReason     string
	RecordingPath string
	LogPath       string
}

// RecordSink persists call records.
type RecordSink interface {
	SaveCallRecord(ctx context.Context, rec CallRecord) error
}

// DB is the database surface used by [PgSink]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgSink writes call records through the register_call stored procedure,
// which owns the insert and any downstream CRM notification.
type PgSink struct {
	db DB
}

var _ RecordSink = (*PgSink)(nil)

// NewPgSink creates a sink on an open connection or pool.
func NewPgSink(db DB) *PgSink {
	return &PgSink{db: db}
}

// SaveCallRecord implements [RecordSink].
func (s *PgSink) SaveCallRecord(ctx context.Context, rec CallRecord) error {
	_, err := s.db.Exec(ctx,
		`SELECT register_call($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.LinkedID, rec.Caller, rec.Callee, rec.Bot, rec.Identity,
		rec.StartedAt, rec.EndedAt, rec.Turns, rec.EndReason,
		rec.RecordingPath, rec.LogPath,
	)
	if err != nil {
		return fmt.Errorf("finalize: register_call %s: %w", rec.LinkedID, err)
	}
	return nil
}

// LogSink logs call records instead of persisting them. Used when no
// database is configured.
type LogSink struct {
	Log *slog.Logger
}

var _ RecordSink = (*LogSink)(nil)

// SaveCallRecord implements [RecordSink].
func (s *LogSink) SaveCallRecord(_ context.Context, rec CallRecord) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("call record (no database sink configured)",
		slog.String("linked_id", rec.LinkedID),
		slog.String("caller", rec.Caller),
		slog.String("callee", rec.Callee),
		slog.String("identity", rec.Identity),
		slog.Int("turns", rec.Turns),
		slog.String("end_reason", rec.EndReason))
	return nil
}
