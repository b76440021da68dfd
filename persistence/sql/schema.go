// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package sql

// SchemaDDL creates the orchestrator tables. history_events is append-only;
// all other tables are derived dispatch state.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS workflow_instances(
	instance_id      VARCHAR(64) PRIMARY KEY,
	workflow_type    VARCHAR(255) NOT NULL,
	workflow_version INTEGER NOT NULL,
	status           VARCHAR(31) NOT NULL,
	input            BYTEA,
	result           BYTEA,
	error            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	closed_at        TIMESTAMPTZ,
	last_sequence    BIGINT NOT NULL,
	dedup_key        VARCHAR(255)
);

CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_dedup_key
	ON workflow_instances (dedup_key) WHERE dedup_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS workflow_instances_status
	ON workflow_instances (status);

CREATE TABLE IF NOT EXISTS history_events(
	instance_id     VARCHAR(64) NOT NULL,
	sequence_no     BIGINT NOT NULL,
	event_type      VARCHAR(63) NOT NULL,
	payload         BYTEA,
	event_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (instance_id, sequence_no)
);

CREATE TABLE IF NOT EXISTS activity_tasks(
	task_id          VARCHAR(255) PRIMARY KEY,
	instance_id      VARCHAR(64) NOT NULL,
	step_id          VARCHAR(255) NOT NULL,
	branch_index     INTEGER NOT NULL,
	activity_type    VARCHAR(255) NOT NULL,
	queue            VARCHAR(255) NOT NULL,
	input            BYTEA,
	attempt          INTEGER NOT NULL,
	first_attempt_at TIMESTAMPTZ NOT NULL,
	visible_at       TIMESTAMPTZ NOT NULL,
	scheduled_seq    BIGINT NOT NULL,
	timeout_seconds  INTEGER NOT NULL,
	retry_policy     BYTEA,
	leased_until     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS activity_tasks_poll
	ON activity_tasks (queue, visible_at);

CREATE TABLE IF NOT EXISTS timer_tasks(
	timer_id    VARCHAR(255) PRIMARY KEY,
	instance_id VARCHAR(64) NOT NULL,
	step_id     VARCHAR(255) NOT NULL,
	fire_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS timer_tasks_fire_at
	ON timer_tasks (fire_at);

CREATE TABLE IF NOT EXISTS cron_triggers(
	trigger_name     VARCHAR(255) PRIMARY KEY,
	cron_expr        VARCHAR(255) NOT NULL,
	workflow_type    VARCHAR(255) NOT NULL,
	workflow_version INTEGER NOT NULL,
	input            BYTEA,
	catch_up         VARCHAR(31) NOT NULL,
	last_fire_at     TIMESTAMPTZ,
	next_fire_at     TIMESTAMPTZ NOT NULL
);
`
