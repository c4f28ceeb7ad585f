package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"tbx.at/ccoffload"
)

// InvocationRecord summarizes one compiler invocation.
type InvocationRecord struct {
	ID         uuid.UUID
	Started    time.Time
	Duration   time.Duration
	ClientName string
	Compiler   string
	SourceFile string
	// Mode is "local" or "remote".
	Mode     string
	ExitCode int
	// Reason explains why the invocation ran locally.
	Reason string

	PreprocessDuration time.Duration
	PreprocessSlotWait time.Duration
	Stages             []StageTiming
}

// StageTiming is how long the client spent reaching Stage.
type StageTiming struct {
	Stage   string
	Elapsed time.Duration
	// SinceStart is measured from the start of the invocation.
	SinceStart time.Duration
}

type StatsService interface {
	Record(ctx context.Context, record InvocationRecord) error
	// Recent returns the newest records first.
	Recent(ctx context.Context, limit int) ([]InvocationRecord, error)
}

var StatsMigrations []ccoffload.MigrationFn = []ccoffload.MigrationFn{
	func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			create table invocations (
				id text primary key,

				client_name text,
				compiler text,
				duration integer,
				exit_code integer,
				mode text,
				preprocess_duration integer,
				preprocess_slot_wait integer,
				reason text,
				source_file text,
				started integer
			)
		`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			create table stage_timings (
				id integer primary key,

				elapsed integer,
				invocation_id text,
				since_start integer,
				stage text,

				foreign key (invocation_id) references invocations (id)
			)
		`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "create index invocations_started on invocations (started)"); err != nil {
			return err
		}
		return nil
	},
}

type StatsServiceImpl struct {
	DB *sql.DB
}

// Record implements StatsService
func (s *StatsServiceImpl) Record(ctx context.Context, record InvocationRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into invocations (
			id,
			client_name,
			compiler,
			duration,
			exit_code,
			mode,
			preprocess_duration,
			preprocess_slot_wait,
			reason,
			source_file,
			started
		) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID.String(),
		record.ClientName,
		record.Compiler,
		int64(record.Duration),
		record.ExitCode,
		record.Mode,
		int64(record.PreprocessDuration),
		int64(record.PreprocessSlotWait),
		record.Reason,
		record.SourceFile,
		record.Started.UnixNano(),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, stage := range record.Stages {
		if _, err := tx.ExecContext(ctx, `
			insert into stage_timings (
				elapsed,
				invocation_id,
				since_start,
				stage
			) values (?, ?, ?, ?)
		`,
			int64(stage.Elapsed),
			record.ID.String(),
			int64(stage.SinceStart),
			stage.Stage,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Recent implements StatsService
func (s *StatsServiceImpl) Recent(ctx context.Context, limit int) ([]InvocationRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		select
			i.id,
			i.client_name,
			i.compiler,
			i.duration,
			i.exit_code,
			i.mode,
			i.preprocess_duration,
			i.preprocess_slot_wait,
			i.reason,
			i.source_file,
			i.started
		from invocations as i
		order by i.started desc
		limit ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []InvocationRecord
	for rows.Next() {
		var record InvocationRecord
		var id string
		var duration, preprocessDuration, preprocessSlotWait, started int64
		if err := rows.Scan(
			&id,
			&record.ClientName,
			&record.Compiler,
			&duration,
			&record.ExitCode,
			&record.Mode,
			&preprocessDuration,
			&preprocessSlotWait,
			&record.Reason,
			&record.SourceFile,
			&started,
		); err != nil {
			return nil, err
		}
		if record.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		record.Duration = time.Duration(duration)
		record.PreprocessDuration = time.Duration(preprocessDuration)
		record.PreprocessSlotWait = time.Duration(preprocessSlotWait)
		record.Started = time.Unix(0, started)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range records {
		if records[i].Stages, err = s.stages(ctx, records[i].ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *StatsServiceImpl) stages(ctx context.Context, id uuid.UUID) ([]StageTiming, error) {
	rows, err := s.DB.QueryContext(ctx, `
		select s.stage, s.elapsed, s.since_start
		from stage_timings as s
		where s.invocation_id = ?
		order by s.id
	`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []StageTiming
	for rows.Next() {
		var stage StageTiming
		var elapsed, sinceStart int64
		if err := rows.Scan(&stage.Stage, &elapsed, &sinceStart); err != nil {
			return nil, err
		}
		stage.Elapsed = time.Duration(elapsed)
		stage.SinceStart = time.Duration(sinceStart)
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

var _ StatsService = (*StatsServiceImpl)(nil)
