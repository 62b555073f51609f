package sqlstore

import (
	"strconv"
	"strings"
)

type dialect int

const (
	sqlite dialect = iota
	postgres
)

func (d dialect) String() string {
	if d == postgres {
		return "postgres"
	}
	return "sqlite"
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// schemaStatements returns the DDL for d, one statement per element.
func schemaStatements(d dialect) []string {
	src := sqliteSchema
	if d == postgres {
		src = postgresSchema
	}
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS parties (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	contact_person TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	balance TEXT NOT NULL DEFAULT '0',
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

-- Ledger: append-only except the soft-delete annotation
CREATE TABLE IF NOT EXISTS party_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	party_id INTEGER NOT NULL REFERENCES parties(id),
	type TEXT NOT NULL,
	amount TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	balance_after TEXT NOT NULL,
	job_id INTEGER,
	idempotency_key TEXT UNIQUE,
	created_at TIMESTAMP NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT 0,
	deleted_at TIMESTAMP,
	deletion_reason TEXT NOT NULL DEFAULT '',
	deleted_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_party_transactions_party
	ON party_transactions(party_id, id);

CREATE TABLE IF NOT EXISTS inventory_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	paper_type_name TEXT NOT NULL,
	gsm INTEGER NOT NULL DEFAULT 0,
	party_id INTEGER REFERENCES parties(id),
	unit_type TEXT NOT NULL DEFAULT '',
	unit_size INTEGER NOT NULL DEFAULT 0,
	current_quantity INTEGER NOT NULL DEFAULT 0,
	available_quantity INTEGER NOT NULL DEFAULT 0,
	reserved_quantity INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL REFERENCES inventory_items(id),
	type TEXT NOT NULL,
	total_sheets INTEGER NOT NULL,
	job_id INTEGER,
	reservation_id INTEGER,
	reference TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inventory_transactions_item
	ON inventory_transactions(item_id, id);
CREATE INDEX IF NOT EXISTS idx_inventory_transactions_reservation
	ON inventory_transactions(reservation_id) WHERE reservation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS machines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	is_available BOOLEAN NOT NULL DEFAULT 1,
	current_job_count INTEGER NOT NULL DEFAULT 0,
	max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
	operator_name TEXT NOT NULL DEFAULT '',
	last_assigned TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

-- Jobs are never removed once the ledger can reference them
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_date TIMESTAMP NOT NULL,
	party_id INTEGER REFERENCES parties(id),
	party_name TEXT NOT NULL,
	description TEXT NOT NULL,
	plate INTEGER NOT NULL,
	size TEXT NOT NULL,
	sq_inch TEXT NOT NULL,
	paper_sheet INTEGER NOT NULL,
	imp INTEGER NOT NULL,
	rate TEXT NOT NULL,
	printing_cost TEXT NOT NULL,
	uv_cost TEXT NOT NULL DEFAULT '0',
	baking_cost TEXT NOT NULL DEFAULT '0',
	paper_type_name TEXT NOT NULL DEFAULT '',
	paper_gsm INTEGER NOT NULL DEFAULT 0,
	paper_size TEXT NOT NULL DEFAULT '',
	paper_source TEXT NOT NULL DEFAULT '',
	inventory_item_id INTEGER,
	machine_id INTEGER,
	status TEXT NOT NULL,
	assigned_at TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	operator_notes TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT UNIQUE,
	is_deleted BOOLEAN NOT NULL DEFAULT 0,
	deleted_at TIMESTAMP,
	deletion_reason TEXT NOT NULL DEFAULT '',
	deleted_by TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_party ON jobs(party_id);
CREATE INDEX IF NOT EXISTS idx_jobs_machine ON jobs(machine_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS workflow_status (
	job_id INTEGER PRIMARY KEY,
	status TEXT NOT NULL,
	party_id INTEGER,
	machine_id INTEGER,
	inventory_consumed BOOLEAN NOT NULL DEFAULT 0,
	balance_updated BOOLEAN NOT NULL DEFAULT 0,
	charge_amount TEXT NOT NULL DEFAULT '0',
	attempt_id TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	msg_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	sent_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(id) WHERE sent_at IS NULL
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS parties (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	contact_person TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	balance NUMERIC(14,2) NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS party_transactions (
	id BIGSERIAL PRIMARY KEY,
	party_id BIGINT NOT NULL REFERENCES parties(id),
	type TEXT NOT NULL,
	amount NUMERIC(14,2) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	balance_after NUMERIC(14,2) NOT NULL,
	job_id BIGINT,
	idempotency_key TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMPTZ,
	deletion_reason TEXT NOT NULL DEFAULT '',
	deleted_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_party_transactions_party
	ON party_transactions(party_id, id);

CREATE TABLE IF NOT EXISTS inventory_items (
	id BIGSERIAL PRIMARY KEY,
	paper_type_name TEXT NOT NULL,
	gsm INTEGER NOT NULL DEFAULT 0,
	party_id BIGINT REFERENCES parties(id),
	unit_type TEXT NOT NULL DEFAULT '',
	unit_size INTEGER NOT NULL DEFAULT 0,
	current_quantity BIGINT NOT NULL DEFAULT 0,
	available_quantity BIGINT NOT NULL DEFAULT 0,
	reserved_quantity BIGINT NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_transactions (
	id BIGSERIAL PRIMARY KEY,
	item_id BIGINT NOT NULL REFERENCES inventory_items(id),
	type TEXT NOT NULL,
	total_sheets BIGINT NOT NULL,
	job_id BIGINT,
	reservation_id BIGINT,
	reference TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inventory_transactions_item
	ON inventory_transactions(item_id, id);
CREATE INDEX IF NOT EXISTS idx_inventory_transactions_reservation
	ON inventory_transactions(reservation_id) WHERE reservation_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS machines (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	is_available BOOLEAN NOT NULL DEFAULT TRUE,
	current_job_count INTEGER NOT NULL DEFAULT 0,
	max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
	operator_name TEXT NOT NULL DEFAULT '',
	last_assigned TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	job_date TIMESTAMPTZ NOT NULL,
	party_id BIGINT REFERENCES parties(id),
	party_name TEXT NOT NULL,
	description TEXT NOT NULL,
	plate INTEGER NOT NULL,
	size TEXT NOT NULL,
	sq_inch NUMERIC(14,2) NOT NULL,
	paper_sheet BIGINT NOT NULL,
	imp BIGINT NOT NULL,
	rate NUMERIC(14,4) NOT NULL,
	printing_cost NUMERIC(14,2) NOT NULL,
	uv_cost NUMERIC(14,2) NOT NULL DEFAULT 0,
	baking_cost NUMERIC(14,2) NOT NULL DEFAULT 0,
	paper_type_name TEXT NOT NULL DEFAULT '',
	paper_gsm INTEGER NOT NULL DEFAULT 0,
	paper_size TEXT NOT NULL DEFAULT '',
	paper_source TEXT NOT NULL DEFAULT '',
	inventory_item_id BIGINT,
	machine_id BIGINT,
	status TEXT NOT NULL,
	assigned_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	operator_notes TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT UNIQUE,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at TIMESTAMPTZ,
	deletion_reason TEXT NOT NULL DEFAULT '',
	deleted_by TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_party ON jobs(party_id);
CREATE INDEX IF NOT EXISTS idx_jobs_machine ON jobs(machine_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS workflow_status (
	job_id BIGINT PRIMARY KEY,
	status TEXT NOT NULL,
	party_id BIGINT,
	machine_id BIGINT,
	inventory_consumed BOOLEAN NOT NULL DEFAULT FALSE,
	balance_updated BOOLEAN NOT NULL DEFAULT FALSE,
	charge_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
	attempt_id TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	msg_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BYTEA NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	sent_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(id) WHERE sent_at IS NULL
`
