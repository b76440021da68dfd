// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also loads the SQL driver for postgres

	"github.com/inventorypulse/pulseflow/common/log"
	"github.com/inventorypulse/pulseflow/common/log/tag"
	"github.com/inventorypulse/pulseflow/config"
	"github.com/inventorypulse/pulseflow/persistence"
)

// ErrDupEntry indicates a duplicate primary key i.e. the row already exists,
// check http://www.postgresql.org/docs/9.3/static/errcodes-appendix.html
const errDupEntry = "23505"

type sqlStore struct {
	db     *sqlx.DB
	logger log.Logger
}

func NewSQLStore(cfg config.SQL, logger log.Logger) (persistence.OrchestrationStore, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.ConnectAddr, cfg.DatabaseName)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{
		db:     db,
		logger: logger,
	}, nil
}

// SchemaSetup is implemented by stores that can create their own tables
type SchemaSetup interface {
	SetupSchema(ctx context.Context) error
}

// SetupSchema creates the orchestrator tables if they do not exist
func (s *sqlStore) SetupSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, SchemaDDL)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func isDupEntryError(err error) bool {
	var sqlErr *pq.Error
	ok := errors.As(err, &sqlErr)
	return ok && sqlErr.Code == errDupEntry
}

func (s *sqlStore) rollback(tx *sqlx.Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Error("error on rollback transaction", tag.Error(err))
	}
}

func (s *sqlStore) AppendEvents(
	ctx context.Context, request persistence.AppendEventsRequest,
) (*persistence.AppendEventsResponse, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer s.rollback(tx)

	newLast := request.ExpectedLastSequence + int64(len(request.Events))
	result, err := tx.ExecContext(ctx,
		`UPDATE workflow_instances SET last_sequence = $1 WHERE instance_id = $2 AND last_sequence = $3`,
		newLast, request.InstanceId, request.ExpectedLastSequence)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		var exists bool
		err = tx.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM workflow_instances WHERE instance_id = $1)`, request.InstanceId)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, persistence.ErrNotFound
		}
		return nil, persistence.ErrSequenceConflict
	}

	seq := request.ExpectedLastSequence
	now := time.Now()
	for _, event := range request.Events {
		seq++
		ts := event.Timestamp
		if ts.IsZero() {
			ts = now
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO history_events(instance_id, sequence_no, event_type, payload, event_timestamp)
			 VALUES ($1, $2, $3, $4, $5)`,
			request.InstanceId, seq, event.EventType, event.Payload, ts)
		if err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &persistence.AppendEventsResponse{LastSequence: newLast}, nil
}

func (s *sqlStore) ReadHistory(
	ctx context.Context, request persistence.ReadHistoryRequest,
) (*persistence.ReadHistoryResponse, error) {
	var lastSeq int64
	err := s.db.GetContext(ctx, &lastSeq,
		`SELECT last_sequence FROM workflow_instances WHERE instance_id = $1`, request.InstanceId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var events []persistence.HistoryEvent
	err = s.db.SelectContext(ctx, &events,
		`SELECT instance_id, sequence_no, event_type, payload, event_timestamp
		 FROM history_events WHERE instance_id = $1 AND sequence_no >= $2 ORDER BY sequence_no`,
		request.InstanceId, request.FromSequence)
	if err != nil {
		return nil, err
	}
	return &persistence.ReadHistoryResponse{
		Events:       events,
		LastSequence: lastSeq,
	}, nil
}

func (s *sqlStore) StartInstance(
	ctx context.Context, request persistence.StartInstanceRequest,
) (*persistence.StartInstanceResponse, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer s.rollback(tx)

	var dedupKey *string
	if request.DedupKey != "" {
		dedupKey = &request.DedupKey
	}
	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_instances
		 (instance_id, workflow_type, workflow_version, status, input, created_at, last_sequence, dedup_key)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7)`,
		request.InstanceId, request.WorkflowType, request.Version,
		persistence.InstanceStatusRunning, request.Input, now, dedupKey)
	if err != nil {
		if isDupEntryError(err) && request.DedupKey != "" {
			var existingId string
			err = s.db.GetContext(ctx, &existingId,
				`SELECT instance_id FROM workflow_instances WHERE dedup_key = $1`, request.DedupKey)
			if err != nil {
				return nil, err
			}
			return &persistence.StartInstanceResponse{
				InstanceId:     existingId,
				AlreadyStarted: true,
			}, nil
		}
		return nil, err
	}

	startEvent := persistence.NewEvent(request.InstanceId, persistence.EventTypeWorkflowStarted,
		persistence.WorkflowStartedPayload{
			WorkflowType: request.WorkflowType,
			Version:      request.Version,
			Input:        request.Input,
		})
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history_events(instance_id, sequence_no, event_type, payload, event_timestamp)
		 VALUES ($1, 1, $2, $3, $4)`,
		request.InstanceId, startEvent.EventType, startEvent.Payload, now)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &persistence.StartInstanceResponse{InstanceId: request.InstanceId}, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, instanceId string) (*persistence.WorkflowInstance, error) {
	var instance persistence.WorkflowInstance
	err := s.db.GetContext(ctx, &instance,
		`SELECT instance_id, workflow_type, workflow_version, status, input, result, error, created_at, closed_at
		 FROM workflow_instances WHERE instance_id = $1`, instanceId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *sqlStore) CloseInstance(ctx context.Context, request persistence.CloseInstanceRequest) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET status = $1, result = $2, error = $3, closed_at = $4
		 WHERE instance_id = $5`,
		request.Status, request.Result, request.Error, time.Now(), request.InstanceId)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListOpenInstanceIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT instance_id FROM workflow_instances WHERE status = $1 ORDER BY instance_id`,
		persistence.InstanceStatusRunning)
	return ids, err
}

func (s *sqlStore) InsertActivityTasks(ctx context.Context, tasks []persistence.ActivityTask) error {
	for _, task := range tasks {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO activity_tasks
			 (task_id, instance_id, step_id, branch_index, activity_type, queue, input,
			  attempt, first_attempt_at, visible_at, scheduled_seq, timeout_seconds, retry_policy)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (task_id) DO NOTHING`,
			task.TaskId, task.InstanceId, task.StepId, task.BranchIndex,
			task.ActivityType, task.Queue, task.Input, task.Attempt,
			task.FirstAttempt, task.VisibleAt, task.ScheduledSeq, task.TimeoutSecond,
			task.RetryPolicy)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) LeaseActivityTasks(
	ctx context.Context, request persistence.LeaseActivityTasksRequest,
) ([]persistence.ActivityTask, error) {
	var tasks []persistence.ActivityTask
	err := s.db.SelectContext(ctx, &tasks,
		`UPDATE activity_tasks SET leased_until = $1
		 WHERE task_id IN (
			SELECT task_id FROM activity_tasks
			WHERE queue = $2 AND visible_at <= $3 AND (leased_until IS NULL OR leased_until <= $3)
			ORDER BY visible_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING task_id, instance_id, step_id, branch_index, activity_type, queue, input,
		           attempt, first_attempt_at, visible_at, scheduled_seq, timeout_seconds, retry_policy`,
		request.Now.Add(request.LeaseDuration), request.Queue, request.Now, request.PageSize)
	return tasks, err
}

func (s *sqlStore) CompleteActivityTask(ctx context.Context, taskId string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activity_tasks WHERE task_id = $1`, taskId)
	return err
}

func (s *sqlStore) RescheduleActivityTask(
	ctx context.Context, taskId string, visibleAt time.Time, attempt int32,
) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE activity_tasks SET attempt = $1, visible_at = $2, leased_until = NULL WHERE task_id = $3`,
		attempt, visibleAt, taskId)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *sqlStore) InsertTimerTasks(ctx context.Context, tasks []persistence.TimerTask) error {
	for _, task := range tasks {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO timer_tasks(timer_id, instance_id, step_id, fire_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (timer_id) DO NOTHING`,
			task.TimerId, task.InstanceId, task.StepId, task.FireAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) GetDueTimerTasks(
	ctx context.Context, request persistence.GetDueTimerTasksRequest,
) ([]persistence.TimerTask, error) {
	var tasks []persistence.TimerTask
	query := `SELECT timer_id, instance_id, step_id, fire_at FROM timer_tasks
		 WHERE fire_at <= $1 ORDER BY fire_at`
	args := []interface{}{request.Now.Add(request.LookAhead)}
	if request.PageSize > 0 {
		query += ` LIMIT $2`
		args = append(args, request.PageSize)
	}
	err := s.db.SelectContext(ctx, &tasks, query, args...)
	return tasks, err
}

func (s *sqlStore) DeleteTimerTask(ctx context.Context, timerId string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timer_tasks WHERE timer_id = $1`, timerId)
	return err
}

func (s *sqlStore) UpsertCronTrigger(ctx context.Context, row persistence.CronTriggerRow) error {
	// keep the firing cursor when a known trigger is re-registered with the
	// same schedule
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_triggers
		 (trigger_name, cron_expr, workflow_type, workflow_version, input, catch_up, last_fire_at, next_fire_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (trigger_name) DO UPDATE SET
			workflow_type = EXCLUDED.workflow_type,
			workflow_version = EXCLUDED.workflow_version,
			input = EXCLUDED.input,
			catch_up = EXCLUDED.catch_up,
			cron_expr = EXCLUDED.cron_expr,
			next_fire_at = CASE WHEN cron_triggers.cron_expr = EXCLUDED.cron_expr
				THEN cron_triggers.next_fire_at ELSE EXCLUDED.next_fire_at END`,
		row.Name, row.Cron, row.Workflow, row.Version, row.Input, row.CatchUp,
		row.LastFireAt, row.NextFireAt)
	return err
}

func (s *sqlStore) GetCronTrigger(ctx context.Context, name string) (*persistence.CronTriggerRow, error) {
	var row persistence.CronTriggerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT trigger_name, cron_expr, workflow_type, workflow_version, input, catch_up, last_fire_at, next_fire_at
		 FROM cron_triggers WHERE trigger_name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqlStore) ListCronTriggers(ctx context.Context) ([]persistence.CronTriggerRow, error) {
	var rows []persistence.CronTriggerRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT trigger_name, cron_expr, workflow_type, workflow_version, input, catch_up, last_fire_at, next_fire_at
		 FROM cron_triggers ORDER BY trigger_name`)
	return rows, err
}

func (s *sqlStore) UpdateCronTriggerFireTime(
	ctx context.Context, name string, firedAt time.Time, nextFireAt time.Time,
) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE cron_triggers SET last_fire_at = $1, next_fire_at = $2 WHERE trigger_name = $3`,
		firedAt, nextFireAt, name)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
