package store

import (
	"context"
	"fmt"
)

// sqliteSchema mirrors migrations/000001_core.up.sql for the standalone
// backend. Applied idempotently at Open.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
    id               TEXT PRIMARY KEY,
    platform         TEXT NOT NULL,
    external_chat_id TEXT NOT NULL,
    chat_type        TEXT NOT NULL DEFAULT '',
    title            TEXT NOT NULL DEFAULT '',
    metadata         TEXT NOT NULL DEFAULT '{}',
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL,
    UNIQUE (platform, external_chat_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id                  TEXT PRIMARY KEY,
    thread_id           TEXT NOT NULL REFERENCES threads(id),
    external_message_id TEXT,
    role                TEXT NOT NULL CHECK (role IN ('user','assistant','system')),
    author_id           TEXT NOT NULL DEFAULT '',
    text                TEXT NOT NULL DEFAULT '',
    raw_payload         BLOB,
    created_at          TIMESTAMP NOT NULL,
    edited_at           TIMESTAMP,
    UNIQUE (thread_id, external_message_id)
);
CREATE INDEX IF NOT EXISTS messages_thread_created ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id            TEXT PRIMARY KEY,
    message_id    TEXT NOT NULL REFERENCES messages(id),
    kind          TEXT NOT NULL CHECK (kind IN ('voice_transcript','image_struct','ocr_text','file_meta','tool_result')),
    content       TEXT NOT NULL DEFAULT '',
    uri           TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL CHECK (status IN ('pending','processing','done','failed')),
    attempt_count INTEGER NOT NULL DEFAULT 0,
    error         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_message ON artifacts(message_id);
CREATE INDEX IF NOT EXISTS artifacts_status_created ON artifacts(status, created_at);

CREATE TABLE IF NOT EXISTS reactive_jobs (
    id                 TEXT PRIMARY KEY,
    thread_id          TEXT NOT NULL REFERENCES threads(id),
    trigger_message_id TEXT NOT NULL REFERENCES messages(id),
    mode               TEXT NOT NULL CHECK (mode IN ('classify','execute','answer')),
    status             TEXT NOT NULL CHECK (status IN ('queued','running','awaiting_approval','done','failed','canceled','superseded')),
    payload            BLOB,
    classification     BLOB,
    approval_id        TEXT,
    worker_id          TEXT NOT NULL DEFAULT '',
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    result             TEXT NOT NULL DEFAULT '',
    error              TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMP NOT NULL,
    started_at         TIMESTAMP,
    finished_at        TIMESTAMP
);
CREATE INDEX IF NOT EXISTS reactive_jobs_status_created ON reactive_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS reactive_jobs_thread ON reactive_jobs(thread_id);

CREATE TABLE IF NOT EXISTS approvals (
    id                 TEXT PRIMARY KEY,
    thread_id          TEXT NOT NULL REFERENCES threads(id),
    job_id             TEXT NOT NULL UNIQUE REFERENCES reactive_jobs(id),
    proposal_text      TEXT NOT NULL DEFAULT '',
    control_message_id TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL CHECK (status IN ('pending','approved','rejected','superseded','expired')),
    created_at         TIMESTAMP NOT NULL,
    expires_at         TIMESTAMP NOT NULL,
    resolved_at        TIMESTAMP,
    resolver_id        TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS approvals_one_pending_per_thread
    ON approvals(thread_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS ledger_entries (
    id           TEXT PRIMARY KEY,
    scope        TEXT NOT NULL CHECK (scope IN ('reactive','proactive')),
    provider     TEXT NOT NULL DEFAULT '',
    model        TEXT NOT NULL DEFAULT '',
    tokens_in    INTEGER NOT NULL DEFAULT 0,
    tokens_out   INTEGER NOT NULL DEFAULT 0,
    tokens_total INTEGER NOT NULL DEFAULT 0,
    cost         REAL NOT NULL DEFAULT 0,
    meta         TEXT NOT NULL DEFAULT '{}',
    created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_scope_created ON ledger_entries(scope, created_at);

CREATE TABLE IF NOT EXISTS deployments (
    id              TEXT PRIMARY KEY,
    commit_id       TEXT NOT NULL,
    branch          TEXT NOT NULL DEFAULT '',
    trigger_source  TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL CHECK (status IN ('building','testing','deploying','healthy','rolled_back','failed')),
    report          TEXT NOT NULL DEFAULT '',
    rollback_reason TEXT NOT NULL DEFAULT '',
    started_at      TIMESTAMP NOT NULL,
    finished_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS deployments_status_started ON deployments(status, started_at);

CREATE TABLE IF NOT EXISTS tool_approvals (
    id         TEXT PRIMARY KEY,
    tool_name  TEXT NOT NULL,
    input      BLOB,
    reasoning  TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL CHECK (status IN ('pending','approved','rejected','expired')),
    response   TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS tool_approvals_status_created ON tool_approvals(status, created_at);

CREATE TABLE IF NOT EXISTS agent_memory (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL DEFAULT '',
    category   TEXT NOT NULL DEFAULT '',
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS goals (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    priority   INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL CHECK (status IN ('pending','in_progress','done','canceled')),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    parent_id    TEXT REFERENCES tasks(id),
    goal_id      TEXT REFERENCES goals(id),
    source       TEXT NOT NULL CHECK (source IN ('master','self')),
    priority     INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL CHECK (status IN ('pending','in_progress','done','canceled')),
    title        TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    order_index  INTEGER NOT NULL DEFAULT 0,
    schedule     TEXT NOT NULL DEFAULT '',
    last_run_at  TIMESTAMP,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS tasks_status_created ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS tasks_parent ON tasks(parent_id);
`

func (s *Store) applySQLiteSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}
