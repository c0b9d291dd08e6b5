package capability

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// PostgresStore is a durable capability grant store, used when a
// deployment wants grants to survive a kernel restart. The in-memory
// MemoryStore remains the default and the one exercised by tests;
// this implementation is grounded on internal/common/database's
// pgx/sqlx pooling convention.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an already-connected *sqlx.DB. The caller is
// responsible for running the capability_grants migration:
//
//	CREATE TABLE capability_grants (
//	    entity_id  TEXT NOT NULL,
//	    capability TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ,
//	    PRIMARY KEY (entity_id, capability)
//	);
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type grantRow struct {
	EntityID   string       `db:"entity_id"`
	Capability string       `db:"capability"`
	ExpiresAt  sql.NullTime `db:"expires_at"`
}

func (s *PostgresStore) Put(g *Grant) {
	var expires sql.NullTime
	if g.ExpiresAt != nil {
		expires = sql.NullTime{Time: *g.ExpiresAt, Valid: true}
	}
	_, _ = s.db.Exec(`
		INSERT INTO capability_grants (entity_id, capability, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, capability) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, g.EntityID, g.Capability, expires)
}

func (s *PostgresStore) Delete(entityID, capability string) {
	_, _ = s.db.Exec(`DELETE FROM capability_grants WHERE entity_id = $1 AND capability = $2`, entityID, capability)
}

func (s *PostgresStore) DeleteAll(entityID string) {
	_, _ = s.db.Exec(`DELETE FROM capability_grants WHERE entity_id = $1`, entityID)
}

func (s *PostgresStore) Get(entityID, capability string) (*Grant, bool) {
	var row grantRow
	err := s.db.Get(&row, `
		SELECT entity_id, capability, expires_at FROM capability_grants
		WHERE entity_id = $1 AND capability = $2
	`, entityID, capability)
	if err != nil {
		return nil, false
	}
	g := &Grant{EntityID: row.EntityID, Capability: row.Capability}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time
		g.ExpiresAt = &t
	}
	return g, true
}
