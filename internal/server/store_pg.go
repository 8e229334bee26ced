package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore backs the run registry with PostgreSQL. UpdateRun uses row locking
// so the read-mutate-write cycle stays consistent under concurrent callers.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateRun(meta RunMeta) error {
	request, _ := json.Marshal(meta.Request)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO runs (run_id,state,request,cancel_requested,created_at,error)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		meta.RunID, string(meta.State), request, meta.CancelRequested, meta.CreatedAt, meta.Error)
	return err
}

func (s *PgStore) UpdateRun(runID string, mutate func(*RunMeta)) (RunMeta, error) {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return RunMeta{}, err
	}
	defer tx.Rollback(context.Background())

	row := tx.QueryRow(context.Background(),
		`SELECT run_id,state,request,cancel_requested,created_at,started_at,finished_at,error,summary
		 FROM runs WHERE run_id=$1 FOR UPDATE`, runID)
	meta, err := scanRunMeta(row)
	if err != nil {
		return RunMeta{}, fmt.Errorf("run not found: %s", runID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	request, _ := json.Marshal(meta.Request)
	var summary []byte
	if meta.Summary != nil {
		summary, _ = json.Marshal(meta.Summary)
	}
	_, err = tx.Exec(context.Background(),
		`UPDATE runs SET state=$1,request=$2,cancel_requested=$3,started_at=$4,finished_at=$5,error=$6,summary=$7
		 WHERE run_id=$8`,
		string(meta.State), request, meta.CancelRequested,
		nullStr(meta.StartedAt), nullStr(meta.FinishedAt), meta.Error, summary, runID)
	if err != nil {
		return RunMeta{}, err
	}
	return meta, tx.Commit(context.Background())
}

func (s *PgStore) GetRun(runID string) (RunMeta, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT run_id,state,request,cancel_requested,created_at,started_at,finished_at,error,summary
		 FROM runs WHERE run_id=$1`, runID)
	meta, err := scanRunMeta(row)
	if err != nil {
		return RunMeta{}, false
	}
	return meta, true
}

func (s *PgStore) ListRuns(limit int) []RunMeta {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT run_id,state,request,cancel_requested,created_at,started_at,finished_at,error,summary
		 FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []RunMeta{}
	}
	defer rows.Close()
	out := []RunMeta{}
	for rows.Next() {
		meta, err := scanRunMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out
}

func (s *PgStore) AppendRunEvent(runID string, stage, message string, data map[string]any) (RunEvent, error) {
	payload, _ := json.Marshal(data)
	event := RunEvent{
		Timestamp: nowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO run_events (run_id,seq,timestamp,stage,message,data)
		 VALUES ($1,(SELECT COALESCE(MAX(seq),0)+1 FROM run_events WHERE run_id=$1),$2,$3,$4,$5)
		 RETURNING seq`,
		runID, event.Timestamp, stage, message, payload).Scan(&event.Seq)
	if err != nil {
		return RunEvent{}, fmt.Errorf("append run event: %w", err)
	}
	return event, nil
}

func (s *PgStore) ListRunEvents(runID string, sinceSeq int64) []RunEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq,timestamp,stage,message,data FROM run_events
		 WHERE run_id=$1 AND seq>$2 ORDER BY seq ASC`, runID, sinceSeq)
	if err != nil {
		return []RunEvent{}
	}
	defer rows.Close()
	out := []RunEvent{}
	for rows.Next() {
		var event RunEvent
		var data []byte
		if err := rows.Scan(&event.Seq, &event.Timestamp, &event.Stage, &event.Message, &data); err != nil {
			continue
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &event.Data)
		}
		out = append(out, event)
	}
	return out
}

// GetMetricsOverview aggregates in SQL over the whole runs table; ListRuns
// pages and must not feed this.
func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	rows, err := s.pool.Query(context.Background(),
		`SELECT state,
		        COUNT(*),
		        COALESCE(SUM((summary->>'total_tests')::BIGINT),0),
		        COALESCE(SUM((summary->>'total_passed')::BIGINT),0)
		 FROM runs GROUP BY state`)
	if err != nil {
		return overview
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count, tests, passed int64
		if err := rows.Scan(&state, &count, &tests, &passed); err != nil {
			continue
		}
		overview.TotalRuns += int(count)
		switch RunState(state) {
		case RunPending, RunRunning:
			overview.ActiveRuns += int(count)
		case RunCompleted:
			overview.CompletedRuns += int(count)
		case RunCancelled:
			overview.CancelledRuns += int(count)
		case RunFailed:
			overview.FailedRuns += int(count)
		}
		overview.TotalTests += int(tests)
		overview.TotalPassed += int(passed)
	}
	return overview
}

func scanRunMeta(row pgx.Row) (RunMeta, error) {
	var meta RunMeta
	var state string
	var request, summary []byte
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&meta.RunID, &state, &request, &meta.CancelRequested,
		&meta.CreatedAt, &startedAt, &finishedAt, &meta.Error, &summary); err != nil {
		return RunMeta{}, err
	}
	meta.State = RunState(state)
	meta.StartedAt = startedAt.String
	meta.FinishedAt = finishedAt.String
	if len(request) > 0 {
		_ = json.Unmarshal(request, &meta.Request)
	}
	if len(summary) > 0 {
		meta.Summary = &RunSummary{}
		_ = json.Unmarshal(summary, meta.Summary)
	}
	return meta, nil
}

func nullStr(value string) any {
	if value == "" {
		return nil
	}
	return value
}
