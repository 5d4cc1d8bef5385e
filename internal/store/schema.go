package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id               TEXT PRIMARY KEY,
    generated_at         TEXT NOT NULL,
    saved_at             TEXT NOT NULL,
    source               TEXT NOT NULL,
    input_digest         TEXT,
    schema_version       INTEGER NOT NULL,
    total_sessions       INTEGER NOT NULL,
    open_sessions        INTEGER NOT NULL,
    total_events         INTEGER NOT NULL,
    unassigned_events    INTEGER NOT NULL,
    skipped_lines        INTEGER NOT NULL,
    malformed_samples    INTEGER NOT NULL,
    schema_gaps          INTEGER NOT NULL,
    file_errors          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    run_id               TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    session_id           TEXT NOT NULL,
    agent                TEXT,
    user_name            TEXT,
    user_email           TEXT,
    workspace            TEXT,
    start_time           TEXT,
    end_time             TEXT,
    duration_secs        REAL,
    exit_code            INTEGER,
    event_count          INTEGER NOT NULL,
    PRIMARY KEY (run_id, session_id)
);

CREATE TABLE IF NOT EXISTS events (
    run_id               TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    seq                  INTEGER NOT NULL,
    session_id           TEXT,
    timestamp            TEXT,
    kind                 TEXT NOT NULL,
    source               TEXT NOT NULL,
    line                 INTEGER,
    content              TEXT,
    PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS usage (
    run_id               TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    category             TEXT NOT NULL,
    name                 TEXT NOT NULL,
    count                INTEGER NOT NULL,
    PRIMARY KEY (run_id, category, name)
);

CREATE TABLE IF NOT EXISTS totals (
    run_id               TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    category             TEXT NOT NULL,
    name                 TEXT NOT NULL,
    value                TEXT NOT NULL,
    PRIMARY KEY (run_id, category, name)
);

CREATE INDEX IF NOT EXISTS idx_runs_generated ON runs(generated_at);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(run_id, session_id);
`
