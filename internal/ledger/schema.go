package ledger

const schema = `
CREATE TABLE IF NOT EXISTS resumes (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    source TEXT NOT NULL,
    base INTEGER NOT NULL,
    start_offset INTEGER NOT NULL,
    total INTEGER NOT NULL,
    materialized BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_resumes_batch_id ON resumes(batch_id);
`
