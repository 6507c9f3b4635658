package store

import "time"

// Store defines the persistence interface for the vault. All persisted
// state (envelope, catalog, version arena, policy table, audit log,
// token registry) funnels through this interface; no other component
// touches disk directly.
type Store interface {
	// Vault metadata and master key envelope
	GetMeta() (*VaultMeta, error)
	SetMeta(meta *VaultMeta) error
	GetEnvelope() (*Envelope, error)
	SetEnvelope(env *Envelope) error

	// Credential catalog (non-sensitive metadata)
	GetCatalogEntry(name string) (*CatalogEntry, error)
	PutCatalogEntry(entry *CatalogEntry) error
	DeleteCatalogEntry(name string) error
	ListCatalog() ([]*CatalogEntry, error)

	// Version arena (append-only ciphertext snapshots)
	GetVersion(name string, version int) (*VersionRecord, error)
	PutVersion(rec *VersionRecord) error
	DeleteVersion(name string, version int) error
	ListVersions(name string) ([]*VersionRecord, error)

	// Access policy table (ordered)
	GetPolicy() ([]PolicyRule, error)
	SetPolicy(rules []PolicyRule) error

	// Audit log, partitioned by day. Keys within a partition must sort
	// chronologically.
	AppendAudit(partition, key string, rec *AuditRecord) error
	ListAuditPartitions() ([]string, error)
	ListAudit(partition string) ([]*AuditRecord, error)
	DeleteAuditPartition(partition string) error

	// Break-glass token registry. RedeemToken performs an atomic
	// test-and-set on the used flag inside a single write transaction.
	GetToken(hash []byte) (*TokenRecord, error)
	PutToken(hash []byte, rec *TokenRecord) error
	RedeemToken(hash []byte, usedBy string, now time.Time, check func(*TokenRecord) error) (*TokenRecord, error)
	DeleteToken(hash []byte) error
	DeleteExpiredTokens(now time.Time) (int, error)
	ListTokens() ([]*TokenRecord, error)

	// Lifecycle
	Close() error
}
