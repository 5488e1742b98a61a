// Copyright (C) The HPCloud Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"git.hpcloud.dev/hpcloud.git/sdk/go/hpc"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
create table if not exists jobs (
	system_id         text primary key,
	owner             text not null,
	app_name          text not null,
	app_version       text not null,
	backend           text not null default '',
	state             text not null,
	status            text not null default '',
	number_of_nodes   integer not null,
	tasks_per_node    integer not null,
	max_time          text not null,
	ssh_user          text not null default '',
	job_directory     text not null default '',
	working_directory text not null default '',
	slurm_id          bigint not null default 0,
	access_token      text not null default '',
	archive_in_collection text not null default '',
	created_at        timestamptz not null,
	modified_at       timestamptz not null
);
create index if not exists jobs_slurm_id on jobs (slurm_id) where slurm_id > 0;
create index if not exists jobs_created_at on jobs (created_at);
`

type jobRow struct {
	SystemID            string    `db:"system_id"`
	Owner               string    `db:"owner"`
	AppName             string    `db:"app_name"`
	AppVersion          string    `db:"app_version"`
	Backend             string    `db:"backend"`
	State               string    `db:"state"`
	Status              string    `db:"status"`
	NumberOfNodes       int       `db:"number_of_nodes"`
	TasksPerNode        int       `db:"tasks_per_node"`
	MaxTime             string    `db:"max_time"`
	SSHUser             string    `db:"ssh_user"`
	JobDirectory        string    `db:"job_directory"`
	WorkingDirectory    string    `db:"working_directory"`
	SlurmID             int64     `db:"slurm_id"`
	AccessToken         string    `db:"access_token"`
	ArchiveInCollection string    `db:"archive_in_collection"`
	CreatedAt           time.Time `db:"created_at"`
	ModifiedAt          time.Time `db:"modified_at"`
}

func (r jobRow) toJob() (hpc.VerifiedJob, error) {
	maxTime, err := hpc.ParseDuration(r.MaxTime)
	if err != nil {
		return hpc.VerifiedJob{}, fmt.Errorf("job %s: %w", r.SystemID, err)
	}
	return hpc.VerifiedJob{
		SystemID:            r.SystemID,
		Owner:               r.Owner,
		Application:         hpc.NameAndVersion{Name: r.AppName, Version: r.AppVersion},
		Backend:             r.Backend,
		State:               hpc.JobState(r.State),
		Status:              r.Status,
		NumberOfNodes:       r.NumberOfNodes,
		TasksPerNode:        r.TasksPerNode,
		MaxTime:             maxTime,
		SSHUser:             r.SSHUser,
		JobDirectory:        r.JobDirectory,
		WorkingDirectory:    r.WorkingDirectory,
		SlurmID:             r.SlurmID,
		AccessToken:         r.AccessToken,
		ArchiveInCollection: r.ArchiveInCollection,
		CreatedAt:           r.CreatedAt,
		ModifiedAt:          r.ModifiedAt,
	}, nil
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgres connects to the database named by dsn and ensures the
// schema exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

func (ps *PostgresStore) Create(ctx context.Context, job hpc.VerifiedJob) error {
	_, err := ps.db.NamedExecContext(ctx, `
		insert into jobs (
			system_id, owner, app_name, app_version, backend,
			state, status, number_of_nodes, tasks_per_node, max_time,
			ssh_user, job_directory, working_directory, slurm_id,
			access_token, archive_in_collection, created_at, modified_at
		) values (
			:system_id, :owner, :app_name, :app_version, :backend,
			:state, :status, :number_of_nodes, :tasks_per_node, :max_time,
			:ssh_user, :job_directory, :working_directory, :slurm_id,
			:access_token, :archive_in_collection, :created_at, :modified_at
		)`, rowFromJob(job))
	return err
}

func rowFromJob(job hpc.VerifiedJob) jobRow {
	return jobRow{
		SystemID:            job.SystemID,
		Owner:               job.Owner,
		AppName:             job.Application.Name,
		AppVersion:          job.Application.Version,
		Backend:             job.Backend,
		State:               string(job.State),
		Status:              job.Status,
		NumberOfNodes:       job.NumberOfNodes,
		TasksPerNode:        job.TasksPerNode,
		MaxTime:             job.MaxTime.String(),
		SSHUser:             job.SSHUser,
		JobDirectory:        job.JobDirectory,
		WorkingDirectory:    job.WorkingDirectory,
		SlurmID:             job.SlurmID,
		AccessToken:         job.AccessToken,
		ArchiveInCollection: job.ArchiveInCollection,
		CreatedAt:           job.CreatedAt,
		ModifiedAt:          job.ModifiedAt,
	}
}

func (ps *PostgresStore) Get(ctx context.Context, systemID string) (hpc.VerifiedJob, error) {
	var row jobRow
	err := ps.db.GetContext(ctx, &row, `select * from jobs where system_id = $1`, systemID)
	if errors.Is(err, sql.ErrNoRows) {
		return hpc.VerifiedJob{}, ErrNotFound
	} else if err != nil {
		return hpc.VerifiedJob{}, err
	}
	return row.toJob()
}

func (ps *PostgresStore) BySlurmID(ctx context.Context, slurmID int64) (hpc.VerifiedJob, error) {
	var row jobRow
	err := ps.db.GetContext(ctx, &row, `select * from jobs where slurm_id = $1`, slurmID)
	if errors.Is(err, sql.ErrNoRows) {
		return hpc.VerifiedJob{}, ErrNotFound
	} else if err != nil {
		return hpc.VerifiedJob{}, err
	}
	return row.toJob()
}

// UpdateState runs the read-check-write inside one transaction with
// the row locked, so duplicate event deliveries for the same job
// cannot race each other into an illegal sequence.
func (ps *PostgresStore) UpdateState(ctx context.Context, systemID string, state hpc.JobState, status string) error {
	return ps.withTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `select state from jobs where system_id = $1 for update`, systemID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		if err := checkTransition(systemID, hpc.JobState(current), state); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			update jobs set state = $2, status = $3, modified_at = now()
			where system_id = $1`, systemID, string(state), status)
		return err
	})
}

func (ps *PostgresStore) UpdateSlurmInfo(ctx context.Context, systemID, sshUser, jobDirectory, workingDirectory string, slurmID int64) error {
	res, err := ps.db.ExecContext(ctx, `
		update jobs
		set ssh_user = $2, job_directory = $3, working_directory = $4,
		    slurm_id = $5, modified_at = now()
		where system_id = $1`,
		systemID, sshUser, jobDirectory, workingDirectory, slurmID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) CreatedBefore(ctx context.Context, cutoff time.Time) ([]hpc.VerifiedJob, error) {
	var rows []jobRow
	err := ps.db.SelectContext(ctx, &rows, `
		select * from jobs
		where created_at < $1 and state not in ($2, $3)
		order by created_at`,
		cutoff, string(hpc.JobStateSuccess), string(hpc.JobStateFailure))
	if err != nil {
		return nil, err
	}
	jobs := make([]hpc.VerifiedJob, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (ps *PostgresStore) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := ps.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
