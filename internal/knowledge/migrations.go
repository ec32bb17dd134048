package knowledge

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'unknown',
    signature TEXT NOT NULL,
    normalized TEXT NOT NULL,
    root_cause TEXT NOT NULL DEFAULT '',
    fix_file TEXT NOT NULL DEFAULT '',
    fix_before TEXT NOT NULL DEFAULT '',
    fix_after TEXT NOT NULL DEFAULT '',
    fix_notes TEXT NOT NULL DEFAULT '',
    fix_placeholder BOOLEAN NOT NULL DEFAULT FALSE,
    occurrences INTEGER NOT NULL DEFAULT 0,
    first_seen TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL,
    status TEXT NOT NULL DEFAULT 'active'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_normalized ON patterns(normalized);
CREATE INDEX IF NOT EXISTS idx_patterns_status ON patterns(status);

CREATE TABLE IF NOT EXISTS occurrences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern_id TEXT NOT NULL REFERENCES patterns(id),
    run_id TEXT,
    phase TEXT,
    confidence TEXT,
    score REAL,
    seen_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_occurrences_pattern ON occurrences(pattern_id);
CREATE INDEX IF NOT EXISTS idx_occurrences_run ON occurrences(run_id);
`
