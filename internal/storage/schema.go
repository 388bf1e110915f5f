package storage

const schema = `
-- Event log: append-only, never updated or deleted in ordinary operation.
-- The rowid alias "id" doubles as the sequence; readers select "id AS
-- sequence" so ordering is visible immediately after insert.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    project_key TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_key, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

-- Agents projection
CREATE TABLE IF NOT EXISTS agents (
    project_key TEXT NOT NULL,
    name TEXT NOT NULL,
    program TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    task TEXT NOT NULL DEFAULT '',
    registered_at DATETIME NOT NULL,
    last_active_at DATETIME NOT NULL,
    PRIMARY KEY (project_key, name)
);

-- Messages projection
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    project_key TEXT NOT NULL,
    from_agent TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    thread_id TEXT DEFAULT '',
    importance TEXT NOT NULL DEFAULT 'normal'
        CHECK (importance IN ('low', 'normal', 'high', 'urgent')),
    ack_required INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_key, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

CREATE TABLE IF NOT EXISTS message_recipients (
    message_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    read_at DATETIME,
    acked_at DATETIME,
    PRIMARY KEY (message_id, agent_name),
    FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_recipients_agent ON message_recipients(agent_name);

-- Reservations projection
CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    project_key TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    path_pattern TEXT NOT NULL,
    exclusive INTEGER NOT NULL DEFAULT 1,
    reason TEXT DEFAULT '',
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    released_at DATETIME,
    lock_holder_id TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reservations_active
    ON reservations(project_key, expires_at) WHERE released_at IS NULL;

-- Distributed locks projection. At most one unexpired row per resource.
CREATE TABLE IF NOT EXISTS locks (
    resource TEXT PRIMARY KEY,
    project_key TEXT NOT NULL DEFAULT '',
    holder TEXT NOT NULL,
    seq INTEGER NOT NULL,
    acquired_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

-- Fencing counters survive lock release so tokens are never reused.
CREATE TABLE IF NOT EXISTS lock_seqs (
    resource TEXT PRIMARY KEY,
    project_key TEXT NOT NULL DEFAULT '',
    last_seq INTEGER NOT NULL DEFAULT 0
);

-- Durable cursors for at-least-once consumers
CREATE TABLE IF NOT EXISTS cursors (
    stream TEXT NOT NULL,
    checkpoint TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (stream, checkpoint)
);

-- Durable deferreds (single-shot resolution tokens)
CREATE TABLE IF NOT EXISTS deferreds (
    url TEXT PRIMARY KEY,
    resolved INTEGER NOT NULL DEFAULT 0 CHECK (resolved IN (0, 1)),
    value TEXT,
    error TEXT,
    expires_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Cells (work items)
CREATE TABLE IF NOT EXISTS cells (
    id TEXT PRIMARY KEY,
    project_key TEXT NOT NULL,
    cell_type TEXT NOT NULL DEFAULT 'task'
        CHECK (cell_type IN ('bug', 'feature', 'task', 'epic', 'chore', 'message')),
    status TEXT NOT NULL DEFAULT 'open'
        CHECK (status IN ('open', 'in_progress', 'blocked', 'closed', 'tombstone')),
    title TEXT NOT NULL CHECK (length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 2 CHECK (priority >= 0 AND priority <= 3),
    parent_id TEXT,
    assignee TEXT DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    closed_at DATETIME,
    closed_reason TEXT DEFAULT '',
    deleted_at DATETIME,
    deleted_by TEXT DEFAULT '',
    delete_reason TEXT DEFAULT '',
    created_by TEXT DEFAULT '',
    content_hash TEXT DEFAULT '',
    -- closed status and closed_at move together
    CHECK (
        (status = 'closed' AND closed_at IS NOT NULL) OR
        (status != 'closed' AND closed_at IS NULL) OR
        (status = 'tombstone')
    )
);

CREATE INDEX IF NOT EXISTS idx_cells_project ON cells(project_key, status);
CREATE INDEX IF NOT EXISTS idx_cells_parent ON cells(parent_id);
CREATE INDEX IF NOT EXISTS idx_cells_created ON cells(created_at);

CREATE TABLE IF NOT EXISTS cell_dependencies (
    cell_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    relationship TEXT NOT NULL DEFAULT 'blocks'
        CHECK (relationship IN ('blocks', 'related', 'parent-child', 'discovered-from',
                                'replies-to', 'relates-to', 'duplicates', 'supersedes')),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (cell_id, depends_on_id, relationship),
    FOREIGN KEY (cell_id) REFERENCES cells(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cell_deps_depends_on
    ON cell_dependencies(depends_on_id, relationship);

CREATE TABLE IF NOT EXISTS cell_labels (
    cell_id TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (cell_id, label),
    FOREIGN KEY (cell_id) REFERENCES cells(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cell_labels_label ON cell_labels(label);

CREATE TABLE IF NOT EXISTS cell_comments (
    id INTEGER PRIMARY KEY,
    cell_id TEXT NOT NULL,
    author TEXT NOT NULL,
    body TEXT NOT NULL,
    parent_id INTEGER,
    created_at DATETIME NOT NULL,
    updated_at DATETIME,
    FOREIGN KEY (cell_id) REFERENCES cells(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_cell_comments_cell ON cell_comments(cell_id);

-- Blocked cache: JSON array of open blocker ids per blocked cell.
-- Rows exist only while the list is non-empty.
CREATE TABLE IF NOT EXISTS blocked_cells (
    cell_id TEXT PRIMARY KEY,
    blocker_ids TEXT NOT NULL DEFAULT '[]'
);

-- Dirty cells: pending incremental JSONL export.
CREATE TABLE IF NOT EXISTS dirty_cells (
    cell_id TEXT PRIMARY KEY,
    marked_at DATETIME NOT NULL
);

-- Export hashes: content hash at last successful export, for dedup.
CREATE TABLE IF NOT EXISTS export_hashes (
    cell_id TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL
);

-- Semantic memories
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    collection TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    decay_factor REAL NOT NULL DEFAULT 1.0,
    embedding BLOB,
    valid_from DATETIME,
    valid_until DATETIME,
    superseded_by TEXT,
    auto_tags TEXT NOT NULL DEFAULT '[]',
    keywords TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_memories_collection ON memories(collection, created_at);

-- Full-text index over content and keywords, kept in sync by triggers.
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    content, keywords,
    content='memories', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content, keywords)
    VALUES (new.rowid, new.content, new.keywords);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, keywords)
    VALUES ('delete', old.rowid, old.content, old.keywords);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, keywords)
    VALUES ('delete', old.rowid, old.content, old.keywords);
    INSERT INTO memories_fts(rowid, content, keywords)
    VALUES (new.rowid, new.content, new.keywords);
END;

CREATE TABLE IF NOT EXISTS memory_links (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    link_type TEXT NOT NULL
        CHECK (link_type IN ('related', 'contradicts', 'supersedes', 'elaborates')),
    strength REAL NOT NULL DEFAULT 0.5 CHECK (strength >= 0.0 AND strength <= 1.0),
    created_at DATETIME NOT NULL,
    UNIQUE (source_id, target_id, link_type),
    FOREIGN KEY (source_id) REFERENCES memories(id) ON DELETE CASCADE,
    FOREIGN KEY (target_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_memory_links_source ON memory_links(source_id);
CREATE INDEX IF NOT EXISTS idx_memory_links_target ON memory_links(target_id);

CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    canonical_name TEXT DEFAULT '',
    UNIQUE (name, entity_type)
);

CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    subject_entity_id TEXT NOT NULL,
    predicate TEXT NOT NULL,
    object_entity_id TEXT NOT NULL,
    memory_id TEXT,
    confidence REAL NOT NULL DEFAULT 1.0 CHECK (confidence >= 0.0 AND confidence <= 1.0),
    UNIQUE (subject_entity_id, predicate, object_entity_id),
    FOREIGN KEY (subject_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
    FOREIGN KEY (object_entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS memory_entities (
    memory_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (memory_id, entity_id, role),
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE,
    FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
);

-- Applied migrations
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
