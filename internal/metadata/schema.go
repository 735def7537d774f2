package metadata

// The engine owns the _internal schema exclusively. All DDL is
// idempotent so Init can run on every startup. alert_log and snapshots
// are created here for a complete first run, but alert_log is only ever
// written by external collaborators.
const schema = `
CREATE SCHEMA IF NOT EXISTS _internal;

-- Last successful build fingerprint per model.
CREATE TABLE IF NOT EXISTS _internal.model_state (
    full_name TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    upstream_hash TEXT NOT NULL,
    materialized_as TEXT NOT NULL,
    last_run_at TIMESTAMP NOT NULL,
    run_duration_ms BIGINT NOT NULL,
    row_count BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS _internal.run_log (
    id TEXT PRIMARY KEY,
    run_type TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    rows_affected BIGINT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    log_output TEXT NOT NULL DEFAULT ''
);

-- Per-column maps are JSON-encoded, consumers treat unknown columns as
-- forward-compatible additions.
CREATE TABLE IF NOT EXISTS _internal.model_profiles (
    full_name TEXT PRIMARY KEY,
    row_count BIGINT NOT NULL,
    column_count INTEGER NOT NULL,
    null_percentages TEXT NOT NULL DEFAULT '{}',
    distinct_counts TEXT NOT NULL DEFAULT '{}',
    profiled_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS _internal.assertion_results (
    id TEXT PRIMARY KEY,
    model_path TEXT NOT NULL,
    expression TEXT NOT NULL,
    passed BOOLEAN NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    checked_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS _internal.contract_results (
    id TEXT PRIMARY KEY,
    contract_name TEXT NOT NULL,
    model TEXT NOT NULL,
    passed BOOLEAN NOT NULL,
    severity TEXT NOT NULL DEFAULT 'error',
    detail TEXT NOT NULL DEFAULT '{}',
    checked_at TIMESTAMP NOT NULL
);

-- Written by alert collaborators, the engine only creates it.
CREATE TABLE IF NOT EXISTS _internal.alert_log (
    id TEXT PRIMARY KEY,
    rule TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    fired_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS _internal.snapshots (
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    file_manifest TEXT NOT NULL DEFAULT '{}',
    table_signatures TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (name)
);
`
