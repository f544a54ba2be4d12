package runcatalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

var (
	_ Sink = NoopSink{}
	_ Sink = (*SurrealSink)(nil)
)

func TestNoopSink_RecordRunsIsAlwaysOK(t *testing.T) {
	var sink Sink = NoopSink{}
	require.NoError(t, sink.RecordRuns(context.Background(), "item-1", []string{"run-1", "run-2"}))
	require.NoError(t, sink.Close())
}

// fakeSurrealConn is an in-memory surrealQuerier: it records every exec call
// and returns canned queryRuns results, so SurrealSink's query/vars
// construction and result unwrapping can be tested without a live SurrealDB
// instance.
type fakeSurrealConn struct {
	execCalls []execCall
	execErr   error

	runsResult *[]surrealdb.QueryResult[[]runRecord]
	runsErr    error

	closed bool
}

type execCall struct {
	sql  string
	vars map[string]any
}

func (f *fakeSurrealConn) exec(_ context.Context, sql string, vars map[string]any) (*[]surrealdb.QueryResult[any], error) {
	f.execCalls = append(f.execCalls, execCall{sql: sql, vars: vars})
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &[]surrealdb.QueryResult[any]{}, nil
}

func (f *fakeSurrealConn) queryRuns(_ context.Context, _ string, _ map[string]any) (*[]surrealdb.QueryResult[[]runRecord], error) {
	return f.runsResult, f.runsErr
}

func (f *fakeSurrealConn) close(context.Context) {
	f.closed = true
}

func TestSurrealSink_RecordRunsUpsertsOneRowPerRunUID(t *testing.T) {
	conn := &fakeSurrealConn{}
	sink := &SurrealSink{conn: conn}

	err := sink.RecordRuns(context.Background(), "item-42", []string{"run-a", "run-b"})
	require.NoError(t, err)
	require.Len(t, conn.execCalls, 2)

	for i, runUID := range []string{"run-a", "run-b"} {
		call := conn.execCalls[i]
		require.Contains(t, call.sql, "UPSERT $rid")
		require.Equal(t, surrealmodels.NewRecordID("completed_runs", runUID), call.vars["rid"])
		require.Equal(t, runUID, call.vars["run_uid"])
		require.Equal(t, "item-42", call.vars["item_uid"])
		require.IsType(t, time.Time{}, call.vars["recorded_at"])
	}
}

func TestSurrealSink_RecordRunsStopsAtFirstFailure(t *testing.T) {
	conn := &fakeSurrealConn{execErr: errors.New("connection reset")}
	sink := &SurrealSink{conn: conn}

	err := sink.RecordRuns(context.Background(), "item-1", []string{"run-a", "run-b"})
	require.Error(t, err)
	require.ErrorContains(t, err, "run-a")
	require.Len(t, conn.execCalls, 1, "must not continue to run-b once run-a fails")
}

func TestSurrealSink_ListRecordedRunsUnwrapsFirstRow(t *testing.T) {
	want := []runRecord{
		{RunUID: "run-b", ItemUID: "item-1", RecordedAt: time.Unix(200, 0)},
		{RunUID: "run-a", ItemUID: "item-1", RecordedAt: time.Unix(100, 0)},
	}
	conn := &fakeSurrealConn{
		runsResult: &[]surrealdb.QueryResult[[]runRecord]{{Result: want}},
	}
	sink := &SurrealSink{conn: conn}

	got, err := sink.ListRecordedRuns(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSurrealSink_ListRecordedRunsEmptyResultSet(t *testing.T) {
	conn := &fakeSurrealConn{runsResult: &[]surrealdb.QueryResult[[]runRecord]{}}
	sink := &SurrealSink{conn: conn}

	got, err := sink.ListRecordedRuns(context.Background(), "item-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSurrealSink_ListRecordedRunsNilRows(t *testing.T) {
	conn := &fakeSurrealConn{runsResult: nil}
	sink := &SurrealSink{conn: conn}

	got, err := sink.ListRecordedRuns(context.Background(), "item-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSurrealSink_ListRecordedRunsPropagatesQueryError(t *testing.T) {
	conn := &fakeSurrealConn{runsErr: errors.New("query timeout")}
	sink := &SurrealSink{conn: conn}

	_, err := sink.ListRecordedRuns(context.Background(), "item-1")
	require.Error(t, err)
	require.ErrorContains(t, err, "item-1")
}

func TestSurrealSink_CloseClosesUnderlyingConn(t *testing.T) {
	conn := &fakeSurrealConn{}
	sink := &SurrealSink{conn: conn}

	require.NoError(t, sink.Close())
	require.True(t, conn.closed)
}
