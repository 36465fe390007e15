package history

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    ok BOOLEAN NOT NULL,
    reason TEXT,
    partial_failure BOOLEAN NOT NULL DEFAULT FALSE,
    total INTEGER NOT NULL,
    succeeded INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    parallelism INTEGER NOT NULL,
    elapsed_seconds REAL NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_batches_started_at ON batches(started_at);

CREATE TABLE IF NOT EXISTS runs (
    batch_id TEXT NOT NULL REFERENCES batches(id),
    idx INTEGER NOT NULL,
    question TEXT NOT NULL,
    status TEXT NOT NULL,
    ok BOOLEAN NOT NULL,
    reason TEXT,
    answer TEXT,
    as_of TEXT,
    confidence REAL,
    sources TEXT,
    searches INTEGER NOT NULL DEFAULT 0,
    pages_opened INTEGER NOT NULL DEFAULT 0,
    tokens_input INTEGER,
    tokens_output INTEGER,
    elapsed_seconds REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (batch_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_runs_batch_id ON runs(batch_id);
`
