package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/linchengyeyu/bambu-farm/internal/model"
)

type JobStore struct {
	db *sql.DB
}

// JobFilter narrows List. Zero-valued fields are ignored, so the zero
// JobFilter{} lists every job. Set fields are combined with AND; ExcludeID
// drops that one job id, e.g. to find other jobs sharing a StoredPath.
type JobFilter struct {
	Status            model.JobStatus
	AssignedPrinterID *int64
	StoredPath        string
	ExcludeID         int64
}

func scanJob(row interface {
	Scan(...any) error
}) (*model.Job, error) {
	var j model.Job
	var created int64
	var completedAt, assignedPrinterID, estimatedDuration sql.NullInt64
	err := row.Scan(
		&j.ID, &j.SourceFilename, &j.StoredPath, &j.Status, &j.Priority, &created,
		&completedAt, &assignedPrinterID,
		&j.BedLevelling, &j.FlowCalibration, &j.Timelapse, &j.UseMaterialSystem,
		&j.ThumbnailRef, &estimatedDuration,
	)
	if err != nil {
		return nil, wrapRowErr(err)
	}
	j.CreatedAt = unixToTime(created)
	j.CompletedAt = nullableUnixToTimePtr(completedAt)
	j.AssignedPrinterID = nullableInt64Ptr(assignedPrinterID)
	j.EstimatedDurationS = nullableInt64Ptr(estimatedDuration)
	return &j, nil
}

const jobColumns = `id, source_filename, stored_path, status, priority, created,
	completed_at, assigned_printer_id,
	bed_levelling, flow_calibration, timelapse, use_material_system,
	thumbnail_ref, estimated_duration_seconds`

func (s *JobStore) Create(ctx context.Context, j *model.Job) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (source_filename, stored_path, status, priority,
			bed_levelling, flow_calibration, timelapse, use_material_system, thumbnail_ref, estimated_duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.SourceFilename, j.StoredPath, j.Status, j.Priority,
		boolToInt(j.BedLevelling), boolToInt(j.FlowCalibration), boolToInt(j.Timelapse), boolToInt(j.UseMaterialSystem),
		j.ThumbnailRef, j.EstimatedDurationS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *JobStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List applies filter and returns rows ordered by priority descending, then
// id ascending — the same order the dispatcher uses to pick the next
// pending job, so List(JobFilter{Status: model.JobPending}) IS the
// candidate queue.
func (s *JobStore) List(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AssignedPrinterID != nil {
		conds = append(conds, "assigned_printer_id = ?")
		args = append(args, *filter.AssignedPrinterID)
	}
	if filter.StoredPath != "" {
		conds = append(conds, "stored_path = ?")
		args = append(args, filter.StoredPath)
	}
	if filter.ExcludeID != 0 {
		conds = append(conds, "id != ?")
		args = append(args, filter.ExcludeID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// NextPending returns the single highest-priority, oldest pending job, or
// ErrNotFound if the queue is empty.
func (s *JobStore) NextPending(ctx context.Context) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY priority DESC, id ASC LIMIT 1`,
		model.JobPending)
	return scanJob(row)
}

// Claim atomically transitions a pending job to uploading and binds it to
// printerID. It reports whether the claim succeeded: false means another
// worker (or a status change) beat this one to the row, and the caller
// should treat that as a routine miss, not an error.
func (s *JobStore) Claim(ctx context.Context, jobID, printerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, assigned_printer_id = ? WHERE id = ? AND status = ?`,
		model.JobUploading, printerID, jobID, model.JobPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetStatus transitions a job's status unconditionally, stamping completed
// at for the terminal statuses.
func (s *JobStore) SetStatus(ctx context.Context, jobID int64, status model.JobStatus) error {
	if status == model.JobCompleted || status == model.JobFailed {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
			status, time.Now().UTC().Unix(), jobID)
		return err
	}
	if status == model.JobPrinting {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = NULL WHERE id = ?`, status, jobID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, status, jobID)
	return err
}

// Release clears a job's printer assignment and returns it to pending,
// whatever its current status.
func (s *JobStore) Release(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, assigned_printer_id = NULL WHERE id = ?`,
		model.JobPending, jobID)
	return err
}

func (s *JobStore) Update(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET source_filename = ?, stored_path = ?, status = ?, priority = ?,
			assigned_printer_id = ?,
			bed_levelling = ?, flow_calibration = ?, timelapse = ?, use_material_system = ?,
			thumbnail_ref = ?, estimated_duration_seconds = ?
		WHERE id = ?`,
		j.SourceFilename, j.StoredPath, j.Status, j.Priority,
		j.AssignedPrinterID,
		boolToInt(j.BedLevelling), boolToInt(j.FlowCalibration), boolToInt(j.Timelapse), boolToInt(j.UseMaterialSystem),
		j.ThumbnailRef, j.EstimatedDurationS, j.ID)
	return err
}

func (s *JobStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// Retry resets a failed or completed job back to pending, unassigning it,
// so the dispatcher reconsiders it on its next tick.
func (s *JobStore) Retry(ctx context.Context, jobID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, assigned_printer_id = NULL, completed_at = NULL WHERE id = ? AND status IN (?, ?)`,
		model.JobPending, jobID, model.JobFailed, model.JobCompleted)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %d is not in a failed or completed state", jobID)
	}
	return nil
}
