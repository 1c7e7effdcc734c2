package database

const tableName = "schematics"

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS schematics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    download_key TEXT NOT NULL UNIQUE,
    delete_key TEXT NOT NULL UNIQUE,
    file_name TEXT NOT NULL,
    last_accessed INTEGER NOT NULL,
    expired INTEGER,
    uploader TEXT,
    schem_type TEXT,
    pos1 TEXT,
    pos2 TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_schematics_last_accessed ON schematics (last_accessed) WHERE expired IS NULL`,
}

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS schematics (
    id BIGSERIAL PRIMARY KEY,
    download_key CHAR(32) NOT NULL UNIQUE,
    delete_key CHAR(32) NOT NULL UNIQUE,
    file_name TEXT NOT NULL,
    last_accessed TIMESTAMPTZ NOT NULL,
    expired TIMESTAMPTZ,
    uploader TEXT,
    schem_type TEXT,
    pos1 TEXT,
    pos2 TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_schematics_last_accessed ON schematics (last_accessed) WHERE expired IS NULL`,
}

const selectColumns = `id, download_key, delete_key, file_name, last_accessed, expired, uploader, schem_type, pos1, pos2`
