package sqlite

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Accounts: one row per credit-holding entity
		`CREATE TABLE IF NOT EXISTS accounts (
			id          TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,

		// Lots: tranches of granted credit. The CHECK enforces conservation
		// on every write; a posting that would leak or mint value aborts the
		// enclosing transaction.
		`CREATE TABLE IF NOT EXISTS lots (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			pool       TEXT NOT NULL,
			original   INTEGER NOT NULL,
			available  INTEGER NOT NULL,
			reserved   INTEGER NOT NULL DEFAULT 0,
			consumed   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			settled_at TEXT,
			CHECK (available >= 0 AND reserved >= 0 AND consumed >= 0 AND original >= 0),
			CHECK (available + reserved + consumed = original)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_account ON lots(account_id, pool)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_oldest ON lots(account_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_settle ON lots(pool, settled_at)`,

		// Ledger entries: the append-only journal. The UNIQUE constraint
		// makes a sequence collision a hard failure rather than a silent
		// gap in the audit trail.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			pool       TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			seq        INTEGER NOT NULL,
			ref        TEXT NOT NULL DEFAULT '',
			lot_id     TEXT NOT NULL DEFAULT '',
			note       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(account_id, pool, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_account ON ledger_entries(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_ref ON ledger_entries(ref)`,

		// Reservations: holds placed ahead of metered usage
		`CREATE TABLE IF NOT EXISTS reservations (
			id               TEXT PRIMARY KEY,
			account_id       TEXT NOT NULL REFERENCES accounts(id),
			amount           INTEGER NOT NULL,
			status           TEXT NOT NULL DEFAULT 'open',
			expires_at       TEXT NOT NULL,
			finalized_amount INTEGER,
			created_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_account ON reservations(account_id)`,

		// Per-lot draws backing a reservation
		`CREATE TABLE IF NOT EXISTS reservation_lots (
			reservation_id TEXT NOT NULL REFERENCES reservations(id),
			lot_id         TEXT NOT NULL REFERENCES lots(id),
			pool           TEXT NOT NULL,
			amount         INTEGER NOT NULL,
			PRIMARY KEY (reservation_id, lot_id)
		)`,

		// Deposits: confirmed external payments. The primary key is the
		// processor's reference, the second half of the replay guard
		// (the first half is the counter CAS).
		`CREATE TABLE IF NOT EXISTS deposits (
			external_ref TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL REFERENCES accounts(id),
			amount       INTEGER NOT NULL,
			lot_id       TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposits_lot ON deposits(lot_id)`,

		// Bonus holds: signup bonuses parked pending a fraud verdict
		`CREATE TABLE IF NOT EXISTS bonus_holds (
			id          TEXT PRIMARY KEY,
			account_id  TEXT NOT NULL REFERENCES accounts(id),
			amount      INTEGER NOT NULL,
			verdict     TEXT NOT NULL,
			score_bps   INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'held',
			created_at  TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bonus_account ON bonus_holds(account_id, status)`,

		// KYC levels, one row per account that has ever been assessed
		`CREATE TABLE IF NOT EXISTS kyc_levels (
			account_id TEXT PRIMARY KEY REFERENCES accounts(id),
			level      TEXT NOT NULL DEFAULT 'none',
			updated_at TEXT NOT NULL
		)`,

		// Distributions: one row per revenue split, recording the gross so
		// the zero-sum property is auditable against the posted shares
		`CREATE TABLE IF NOT EXISTS distributions (
			id         TEXT PRIMARY KEY,
			ref        TEXT NOT NULL DEFAULT '',
			gross      INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_distributions_ref ON distributions(ref)`,

		// Payout requests and the lots their escrow is held against
		`CREATE TABLE IF NOT EXISTS payout_requests (
			id               TEXT PRIMARY KEY,
			account_id       TEXT NOT NULL REFERENCES accounts(id),
			amount           INTEGER NOT NULL,
			fee              INTEGER NOT NULL DEFAULT 0,
			escrow           INTEGER NOT NULL DEFAULT 0,
			destination      TEXT NOT NULL,
			kyc_level        TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			treasury_version INTEGER NOT NULL DEFAULT 0,
			failure_reason   TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_account ON payout_requests(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_status ON payout_requests(status)`,

		`CREATE TABLE IF NOT EXISTS payout_lots (
			payout_id TEXT NOT NULL REFERENCES payout_requests(id),
			lot_id    TEXT NOT NULL REFERENCES lots(id),
			amount    INTEGER NOT NULL,
			PRIMARY KEY (payout_id, lot_id)
		)`,

		// Treasury: a singleton version row for optimistic concurrency
		// control over payout-affecting operations
		`CREATE TABLE IF NOT EXISTS treasury (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO treasury (id, version) VALUES (1, 0)`,

		// Dead-letter queue for failed post-commit side effects
		`CREATE TABLE IF NOT EXISTS dlq_entries (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			payload       TEXT NOT NULL DEFAULT '{}',
			error_code    TEXT NOT NULL DEFAULT '',
			attempts      INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'pending',
			next_retry_at TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_due ON dlq_entries(status, next_retry_at)`,
	}
}
