package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  account_id TEXT,
  request_type TEXT NOT NULL,
  params TEXT,
  state TEXT NOT NULL,
  claimed_machine TEXT,
  claimed_thread TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_session_state ON tasks(session_id, state, created_at);

CREATE TABLE IF NOT EXISTS session_leases (
  session_id TEXT PRIMARY KEY,
  machine_id TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_machine ON session_leases(machine_id);

CREATE TABLE IF NOT EXISTS records (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  node_instance_id TEXT NOT NULL,
  node_type TEXT,
  inputs TEXT,
  output TEXT,
  events_emitted TEXT,
  state TEXT NOT NULL,
  error TEXT,
  start_time TEXT,
  completion_time TEXT,
  last_modified TEXT NOT NULL,
  deleted INTEGER NOT NULL DEFAULT 0,
  deleted_at TEXT,
  engine_version INTEGER NOT NULL DEFAULT 0,
  context TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id, last_modified);
CREATE INDEX IF NOT EXISTS idx_records_session_state ON records(session_id, state);

CREATE TABLE IF NOT EXISTS record_edges (
  record_id TEXT NOT NULL,
  input_record_id TEXT NOT NULL,
  PRIMARY KEY (record_id, input_record_id)
);

CREATE INDEX IF NOT EXISTS idx_record_edges_input ON record_edges(input_record_id);
`
