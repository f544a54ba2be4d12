// Package runcatalog implements the optional external run-metadata catalog:
// an opaque sink that records the UIDs of completed measurement runs once a
// queue item finishes, independent of the durable queue/history store.
package runcatalog

import (
	"context"
	"fmt"
	"time"

	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Sink records completed-run UIDs against the queue item that produced them.
// A sink is purely a write-side record; nothing in the queue server reads it
// back, so a failure to record never blocks queue execution.
type Sink interface {
	RecordRuns(ctx context.Context, itemUID string, runUIDs []string) error
	Close() error
}

// NoopSink discards every call; it's the default when no run catalog is
// configured.
type NoopSink struct{}

func (NoopSink) RecordRuns(context.Context, string, []string) error { return nil }
func (NoopSink) Close() error                                       { return nil }

// runRecord is one row of the completed_runs table.
type runRecord struct {
	RunUID     string    `json:"run_uid"`
	ItemUID    string    `json:"item_uid"`
	RecordedAt time.Time `json:"recorded_at"`
}

// surrealQuerier is the subset of *surrealdb.DB that SurrealSink depends on,
// narrowed to the two query shapes RecordRuns/ListRecordedRuns need so a
// test can inject a fake without a live SurrealDB instance.
type surrealQuerier interface {
	exec(ctx context.Context, sql string, vars map[string]any) (*[]surrealdb.QueryResult[any], error)
	queryRuns(ctx context.Context, sql string, vars map[string]any) (*[]surrealdb.QueryResult[[]runRecord], error)
	close(ctx context.Context)
}

// liveSurrealConn adapts a connected *surrealdb.DB to surrealQuerier.
type liveSurrealConn struct {
	db *surrealdb.DB
}

func (c *liveSurrealConn) exec(ctx context.Context, sql string, vars map[string]any) (*[]surrealdb.QueryResult[any], error) {
	return surrealdb.Query[any](ctx, c.db, sql, vars)
}

func (c *liveSurrealConn) queryRuns(ctx context.Context, sql string, vars map[string]any) (*[]surrealdb.QueryResult[[]runRecord], error) {
	return surrealdb.Query[[]runRecord](ctx, c.db, sql, vars)
}

func (c *liveSurrealConn) close(ctx context.Context) {
	c.db.Close(ctx)
}

// SurrealSink persists completed-run UIDs to a SurrealDB instance.
type SurrealSink struct {
	conn   surrealQuerier
	logger *common.Logger
}

// NewSurrealSink connects to SurrealDB per cfg and ensures the
// completed_runs table exists.
func NewSurrealSink(ctx context.Context, cfg common.RunCatalogConfig, logger *common.Logger) (*SurrealSink, error) {
	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to run catalog database: %w", err)
	}

	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			return nil, fmt.Errorf("failed to sign in to run catalog database: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select run catalog namespace/database: %w", err)
	}

	conn := &liveSurrealConn{db: db}
	if _, err := conn.exec(ctx, "DEFINE TABLE IF NOT EXISTS completed_runs SCHEMALESS", nil); err != nil {
		return nil, fmt.Errorf("failed to define completed_runs table: %w", err)
	}

	logger.Info().Str("address", cfg.Address).Str("namespace", cfg.Namespace).Msg("run catalog connected")
	return &SurrealSink{conn: conn, logger: logger}, nil
}

// RecordRuns upserts one row per run UID, each keyed by its own record ID so
// a retried write is idempotent.
func (s *SurrealSink) RecordRuns(ctx context.Context, itemUID string, runUIDs []string) error {
	now := time.Now()
	for _, runUID := range runUIDs {
		sql := `UPSERT $rid SET run_uid = $run_uid, item_uid = $item_uid, recorded_at = $recorded_at`
		vars := map[string]any{
			"rid":         surrealmodels.NewRecordID("completed_runs", runUID),
			"run_uid":     runUID,
			"item_uid":    itemUID,
			"recorded_at": now,
		}
		if _, err := s.conn.exec(ctx, sql, vars); err != nil {
			return fmt.Errorf("failed to record run %q: %w", runUID, err)
		}
	}
	return nil
}

// ListRecordedRuns returns every run recorded for itemUID, most recent first.
func (s *SurrealSink) ListRecordedRuns(ctx context.Context, itemUID string) ([]runRecord, error) {
	sql := "SELECT run_uid, item_uid, recorded_at FROM completed_runs WHERE item_uid = $item_uid ORDER BY recorded_at DESC"
	vars := map[string]any{"item_uid": itemUID}

	rows, err := s.conn.queryRuns(ctx, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list recorded runs for item %q: %w", itemUID, err)
	}
	if rows == nil || len(*rows) == 0 {
		return nil, nil
	}
	return (*rows)[0].Result, nil
}

func (s *SurrealSink) Close() error {
	s.conn.close(context.Background())
	return nil
}
