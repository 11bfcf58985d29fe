package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/batalabs/masix/internal/domain"
)

// CronJob is a persisted reminder owned by one account.
type CronJob struct {
	ID                  int64
	AccountTag          string
	Channel             string
	Recipient           string
	Schedule            string // RFC3339 instant or 5-field cron expression
	Timezone            string
	Message             string
	Recurring           bool
	Enabled             bool
	NextRun             time.Time
	LastRun             *time.Time
	ConsecutiveFailures int
	LastError           string
	Flagged             bool
	CreatedBy           string
	CreatedAt           time.Time
}

const cronJobColumns = `id, account_tag, channel, recipient, schedule, COALESCE(timezone,''), message,
	COALESCE(recurring,0), COALESCE(enabled,0), COALESCE(next_run,''), COALESCE(last_run,''),
	consecutive_failures, last_error, flagged, created_by, COALESCE(created_at,'')`

// CreateCronJob inserts a new enabled job and returns its id. An empty
// account tag is stored as the legacy default tag.
func (s *Store) CreateCronJob(job CronJob) (int64, error) {
	tag := strings.TrimSpace(job.AccountTag)
	if tag == "" {
		tag = domain.DefaultAccountTag
	}
	res, err := s.db.Exec(
		`INSERT INTO cron_jobs (created_by, schedule, channel, recipient, account_tag, message, timezone, recurring, enabled, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		job.CreatedBy, job.Schedule, job.Channel, job.Recipient, tag, job.Message, job.Timezone,
		boolInt(job.Recurring), formatTime(job.NextRun), formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert cron job: %w", err)
	}
	return res.LastInsertId()
}

// DueCronJobs returns enabled jobs whose next run is at or before now, oldest
// first.
func (s *Store) DueCronJobs(now time.Time, limit int) ([]CronJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+cronJobColumns+`
		   FROM cron_jobs
		  WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		  ORDER BY next_run ASC, id ASC
		  LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

// ListCronJobs returns the enabled jobs of one account. A non-empty
// recipient narrows the list further. Jobs of other accounts are never
// returned.
func (s *Store) ListCronJobs(accountTag, recipient string) ([]CronJob, error) {
	query := `SELECT ` + cronJobColumns + ` FROM cron_jobs WHERE enabled = 1 AND account_tag = ?`
	args := []any{accountTag}
	if recipient != "" {
		query += ` AND recipient = ?`
		args = append(args, recipient)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCronJobs(rows)
}

// GetCronJob returns a job by id regardless of state.
func (s *Store) GetCronJob(id int64) (*CronJob, error) {
	rows, err := s.db.Query(`SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanCronJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// DisableCronJob soft-disables a job if it belongs to accountTag. It reports
// whether an enabled job was disabled.
func (s *Store) DisableCronJob(id int64, accountTag string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE cron_jobs SET enabled = 0 WHERE id = ? AND account_tag = ? AND enabled = 1`,
		id, accountTag)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AdvanceCronJob records a successful fire of a recurring job and moves it
// to its next run.
func (s *Store) AdvanceCronJob(id int64, next, firedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE cron_jobs
		    SET next_run = ?, last_run = ?, consecutive_failures = 0, last_error = ''
		  WHERE id = ?`,
		formatTime(next), formatTime(firedAt), id)
	return err
}

// CompleteCronJob records a successful fire of a one-shot job and disables it.
func (s *Store) CompleteCronJob(id int64, firedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE cron_jobs
		    SET enabled = 0, last_run = ?, consecutive_failures = 0, last_error = ''
		  WHERE id = ?`,
		formatTime(firedAt), id)
	return err
}

// RecordCronFailure counts a failed delivery. Once the consecutive failure
// count reaches maxFailures the job is disabled and flagged; the returned
// bool reports that transition.
func (s *Store) RecordCronFailure(id int64, errText string, maxFailures int) (bool, error) {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	var enabled int
	err := s.db.QueryRow(
		`UPDATE cron_jobs
		    SET consecutive_failures = consecutive_failures + 1,
		        last_error = ?,
		        enabled = CASE WHEN consecutive_failures + 1 >= ? THEN 0 ELSE enabled END,
		        flagged = CASE WHEN consecutive_failures + 1 >= ? THEN 1 ELSE flagged END
		  WHERE id = ?
		RETURNING enabled`,
		truncateStoreText(errText, 1000), maxFailures, maxFailures, id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return enabled == 0, nil
}

// FlagCronJob disables a job that can never be delivered.
func (s *Store) FlagCronJob(id int64, errText string) error {
	_, err := s.db.Exec(
		`UPDATE cron_jobs SET enabled = 0, flagged = 1, last_error = ? WHERE id = ?`,
		truncateStoreText(errText, 1000), id)
	return err
}

// CountEnabledCronJobs counts the enabled jobs of one account.
func (s *Store) CountEnabledCronJobs(accountTag string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM cron_jobs WHERE enabled = 1 AND account_tag = ?`, accountTag).Scan(&n)
	return n, err
}

func scanCronJobs(rows *sql.Rows) ([]CronJob, error) {
	var out []CronJob
	for rows.Next() {
		var job CronJob
		var recurring, enabled, flagged int
		var nextRunStr, lastRunStr, createdAtStr string
		if err := rows.Scan(
			&job.ID,
			&job.AccountTag,
			&job.Channel,
			&job.Recipient,
			&job.Schedule,
			&job.Timezone,
			&job.Message,
			&recurring,
			&enabled,
			&nextRunStr,
			&lastRunStr,
			&job.ConsecutiveFailures,
			&job.LastError,
			&flagged,
			&job.CreatedBy,
			&createdAtStr,
		); err != nil {
			return nil, err
		}
		job.Recurring = recurring != 0
		job.Enabled = enabled != 0
		job.Flagged = flagged != 0
		if t, ok := parseOptionalTime(nextRunStr); ok {
			job.NextRun = t
		}
		if t, ok := parseOptionalTime(lastRunStr); ok {
			job.LastRun = &t
		}
		if t, ok := parseOptionalTime(createdAtStr); ok {
			job.CreatedAt = t
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
