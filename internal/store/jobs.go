package store

import (
	"database/sql"
	"fmt"
	"time"
)

// JobAction identifies what a queued background job does.
type JobAction int

// Job is a persisted unit of background work. Jobs survive restarts and are
// retried until they succeed or are explicitly dropped by their handler.
type Job struct {
	ID        int64
	AddedAt   int64
	DueAt     int64
	Action    JobAction
	ForeignID int64
	Param     *Param
	Tries     int
}

func insertJob(q queryer, action JobAction, foreignID int64, param *Param, dueAt int64) (int64, error) {
	now := time.Now().Unix()
	if dueAt == 0 {
		dueAt = now
	}
	res, err := q.Exec(`INSERT INTO jobs (added_at, due_at, action, foreign_id, param, tries)
		VALUES (?, ?, ?, ?, ?, 0)`,
		now, dueAt, action, foreignID, param.Pack())
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// InsertJob queues a job, due immediately.
func (db *DB) InsertJob(action JobAction, foreignID int64, param *Param) (int64, error) {
	return insertJob(db.DB, action, foreignID, param, 0)
}

// InsertJobTx is InsertJob inside a transaction, so job creation commits or
// rolls back together with the rows it refers to.
func (db *DB) InsertJobTx(tx *sql.Tx, action JobAction, foreignID int64, param *Param) (int64, error) {
	return insertJob(tx, action, foreignID, param, 0)
}

// DueJobs returns up to limit jobs whose due time has passed, oldest due
// first.
func (db *DB) DueJobs(now int64, limit int) ([]Job, error) {
	rows, err := db.Query(`
		SELECT id, added_at, due_at, action, foreign_id, param, tries
		FROM jobs WHERE due_at <= ? ORDER BY due_at, id LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		var j Job
		var packed string
		if err := rows.Scan(&j.ID, &j.AddedAt, &j.DueAt, &j.Action, &j.ForeignID, &packed, &j.Tries); err != nil {
			return nil, err
		}
		j.Param = ParseParam(packed)
		out = append(out, j)
	}
	return out, rows.Err()
}

// RescheduleJob pushes a job's due time into the future and bumps its try
// counter.
func (db *DB) RescheduleJob(id, dueAt int64) error {
	_, err := db.Exec(`UPDATE jobs SET due_at = ?, tries = tries + 1 WHERE id = ?`, dueAt, id)
	return err
}

// DeleteJob removes a finished job.
func (db *DB) DeleteJob(id int64) error {
	_, err := db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}
