package shared

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	sql  []string
	args [][]any
	err  error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	r.args = append(r.args, args)
	return pgconn.CommandTag{}, r.err
}

func TestCheckAndInsertKey(t *testing.T) {
	ctx := context.Background()
	db := &recordingExecer{}

	require.NoError(t, CheckAndInsertKey(ctx, db, "settlement:import:7:abc", "settlement"))
	require.Len(t, db.sql, 1)
	require.Equal(t, "settlement:import:7:abc", db.args[0][0])
	require.Equal(t, "settlement", db.args[0][1])

	require.Error(t, CheckAndInsertKey(ctx, db, "", "settlement"))
	require.Error(t, CheckAndInsertKey(ctx, db, "k", ""))
	require.Len(t, db.sql, 1)

	db.err = &pgconn.PgError{Code: "23505"}
	require.ErrorIs(t, CheckAndInsertKey(ctx, db, "k", "settlement"), ErrIdempotencyConflict)

	db.err = errors.New("connection refused")
	err := CheckAndInsertKey(ctx, db, "k", "settlement")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrIdempotencyConflict)
}

func TestAuditLoggerRecord(t *testing.T) {
	ctx := context.Background()
	db := &recordingExecer{}
	logger := NewAuditLogger(db)

	err := logger.Record(ctx, AuditLog{TenantID: 4, Action: "result_imported", Entity: "debit_export_batch", EntityID: "7", Meta: map[string]any{"success": 3}})
	require.NoError(t, err)
	args := db.args[0]
	require.Equal(t, int64(4), args[0])
	require.Equal(t, "system", args[1])
	var meta map[string]any
	require.NoError(t, json.Unmarshal(args[5].([]byte), &meta))
	require.Equal(t, float64(3), meta["success"])

	require.Error(t, logger.Record(ctx, AuditLog{Action: "x", Entity: "y"}))
	var nilLogger *AuditLogger
	require.Error(t, nilLogger.Record(ctx, AuditLog{Action: "x", Entity: "y", EntityID: "1"}))
}
