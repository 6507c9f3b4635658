package store

import "time"

// CredentialType classifies credentials for rotation policy purposes.
type CredentialType string

// Supported credential types.
const (
	TypeAPIKey         CredentialType = "api_key"
	TypeDatabase       CredentialType = "database"
	TypeServiceAccount CredentialType = "service_account"
	TypeWebhook        CredentialType = "webhook"
	TypeJWTSecret      CredentialType = "jwt_secret"
	TypeCertificate    CredentialType = "certificate"
)

// ValidType reports whether t is one of the supported credential types.
func ValidType(t CredentialType) bool {
	switch t {
	case TypeAPIKey, TypeDatabase, TypeServiceAccount, TypeWebhook, TypeJWTSecret, TypeCertificate:
		return true
	}
	return false
}

// VaultMeta holds vault-level metadata.
type VaultMeta struct {
	Version   int       `json:"version"`
	VaultID   string    `json:"vault_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Envelope is the persisted master key envelope. The passphrase itself
// is never stored; EncryptedDataKey is the DEK sealed under the
// passphrase-derived key.
type Envelope struct {
	Salt             []byte `json:"salt"`
	KDFIterations    int    `json:"kdf_iterations"`
	EncryptedDataKey []byte `json:"encrypted_data_key"`
}

// CatalogEntry is the non-sensitive catalog record for a credential.
// It never contains plaintext or key material.
type CatalogEntry struct {
	Name              string         `json:"name"`
	Type              CredentialType `json:"type"`
	OwnerTeam         string         `json:"owner_team,omitempty"` // empty = global
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	LastRotatedAt     time.Time      `json:"last_rotated_at"`
	LastAccessedAt    *time.Time     `json:"last_accessed_at,omitempty"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	DeprecatedVersion *int           `json:"deprecated_version,omitempty"`
	DeprecationExpiry *time.Time     `json:"deprecation_expiry,omitempty"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty"` // tombstone
	PurgeAfter        *time.Time     `json:"purge_after,omitempty"`
}

// Deleted reports whether the entry is tombstoned.
func (e *CatalogEntry) Deleted() bool { return e.DeletedAt != nil }

// VersionRecord is an immutable ciphertext snapshot of one credential
// version. Ciphertext is nonce-prefixed AES-GCM output and is never
// mutated in place; rotation appends a new record.
type VersionRecord struct {
	Name         string     `json:"name"`
	Version      int        `json:"version"`
	Ciphertext   []byte     `json:"ciphertext"`
	CreatedAt    time.Time  `json:"created_at"`
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`
	HardExpiry   *time.Time `json:"hard_expiry,omitempty"`
}

// PolicyRule is one ordered access rule. Patterns support '*' wildcards.
type PolicyRule struct {
	TeamPattern       string   `json:"team_pattern" yaml:"team_pattern"`
	CredentialPattern string   `json:"credential_pattern" yaml:"credential_pattern"`
	Actions           []string `json:"actions" yaml:"actions"`
}

// AuditRecord is one append-only audit log entry.
type AuditRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ActorTeam      string    `json:"actor_team"`
	CredentialName string    `json:"credential_name,omitempty"`
	Action         string    `json:"action"`
	Outcome        string    `json:"outcome"`
	Detail         string    `json:"detail,omitempty"`
}

// TokenRecord is a break-glass token registry entry, keyed in the store
// by the SHA-256 hash of the token value.
type TokenRecord struct {
	TokenID   string     `json:"token_id"`
	CreatedBy string     `json:"created_by"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
	Scope     string     `json:"scope,omitempty"` // credential name pattern; empty = all
}
