package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names used in the bbolt database.
var (
	bucketMeta     = []byte("_meta")
	bucketCatalog  = []byte("catalog")
	bucketVersions = []byte("versions")
	bucketPolicy   = []byte("policy")
	bucketAudit    = []byte("audit") // parent; one child bucket per day
	bucketTokens   = []byte("tokens")
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound           = errors.New("not found")
	ErrCredentialNotFound = fmt.Errorf("credential %w", ErrNotFound)
	ErrVersionNotFound    = fmt.Errorf("version %w", ErrNotFound)
	ErrTokenNotFound      = fmt.Errorf("token %w", ErrNotFound)
	ErrTokenUsed          = errors.New("token already redeemed")
	ErrTokenExpired       = errors.New("token expired")
)

const (
	metaKey     = "vault_meta"
	envelopeKey = "master_key_envelope"
	policyKey   = "rules"
)

// BoltStore implements Store using bbolt. Every write goes through a
// bolt write transaction, which gives the catalog its crash-safe
// atomic-replace durability.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a bbolt database at the given path
// and ensures all required buckets exist. The file is created with
// 0600 permissions.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketMeta,
			bucketCatalog,
			bucketVersions,
			bucketPolicy,
			bucketAudit,
			bucketTokens,
		} {
			if _, bErr := tx.CreateBucketIfNotExists(b); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", b, bErr)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Vault metadata and envelope
// ---------------------------------------------------------------------------

// GetMeta returns the vault metadata, or ErrNotFound if not set.
func (s *BoltStore) GetMeta() (*VaultMeta, error) {
	var meta VaultMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(metaKey))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// SetMeta stores the vault metadata.
func (s *BoltStore) SetMeta(meta *VaultMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		return tx.Bucket(bucketMeta).Put([]byte(metaKey), data)
	})
}

// GetEnvelope returns the master key envelope, or ErrNotFound.
func (s *BoltStore) GetEnvelope() (*Envelope, error) {
	var env Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(envelopeKey))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// SetEnvelope stores the master key envelope.
func (s *BoltStore) SetEnvelope(env *Envelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		return tx.Bucket(bucketMeta).Put([]byte(envelopeKey), data)
	})
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// GetCatalogEntry retrieves a catalog entry by credential name,
// tombstoned entries included.
func (s *BoltStore) GetCatalogEntry(name string) (*CatalogEntry, error) {
	var entry CatalogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCatalog).Get([]byte(name))
		if v == nil {
			return ErrCredentialNotFound
		}
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutCatalogEntry stores or replaces a catalog entry.
func (s *BoltStore) PutCatalogEntry(entry *CatalogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal catalog entry: %w", err)
		}
		return tx.Bucket(bucketCatalog).Put([]byte(entry.Name), data)
	})
}

// DeleteCatalogEntry physically removes a catalog entry. Soft deletion
// is handled above this layer via tombstones.
func (s *BoltStore) DeleteCatalogEntry(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		if b.Get([]byte(name)) == nil {
			return ErrCredentialNotFound
		}
		return b.Delete([]byte(name))
	})
}

// ListCatalog returns all catalog entries, tombstones included, sorted
// by name.
func (s *BoltStore) ListCatalog() ([]*CatalogEntry, error) {
	var entries []*CatalogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCatalog).ForEach(func(_, v []byte) error {
			var e CatalogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ---------------------------------------------------------------------------
// Version arena
// ---------------------------------------------------------------------------

// versionKey builds the composite key "name/0000000042" so versions of
// a credential sort numerically under a cursor scan.
func versionKey(name string, version int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", name, version))
}

// GetVersion retrieves a single version record.
func (s *BoltStore) GetVersion(name string, version int) (*VersionRecord, error) {
	var rec VersionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketVersions).Get(versionKey(name, version))
		if v == nil {
			return ErrVersionNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutVersion stores a version record.
func (s *BoltStore) PutVersion(rec *VersionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal version: %w", err)
		}
		return tx.Bucket(bucketVersions).Put(versionKey(rec.Name, rec.Version), data)
	})
}

// DeleteVersion removes a version record (retention purge only).
func (s *BoltStore) DeleteVersion(name string, version int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		key := versionKey(name, version)
		if b.Get(key) == nil {
			return ErrVersionNotFound
		}
		return b.Delete(key)
	})
}

// ListVersions returns all version records for a credential in
// ascending version order.
func (s *BoltStore) ListVersions(name string) ([]*VersionRecord, error) {
	prefix := name + "/"
	var recs []*VersionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVersions).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			var rec VersionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

// GetPolicy returns the ordered rule list. An unset policy is an empty
// list, not an error: default deny falls out naturally.
func (s *BoltStore) GetPolicy() ([]PolicyRule, error) {
	var rules []PolicyRule
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPolicy).Get([]byte(policyKey))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &rules)
	})
	return rules, err
}

// SetPolicy replaces the ordered rule list atomically.
func (s *BoltStore) SetPolicy(rules []PolicyRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rules)
		if err != nil {
			return fmt.Errorf("marshal policy: %w", err)
		}
		return tx.Bucket(bucketPolicy).Put([]byte(policyKey), data)
	})
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AppendAudit writes one audit record into the given day partition.
// The caller supplies the key; keys must sort chronologically within a
// partition. Records are never overwritten.
func (s *BoltStore) AppendAudit(partition, key string, rec *AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketAudit)
		b, err := parent.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return fmt.Errorf("create audit partition %s: %w", partition, err)
		}
		if b.Get([]byte(key)) != nil {
			return fmt.Errorf("audit key collision: %s", key)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

// ListAuditPartitions returns partition names in ascending order.
func (s *BoltStore) ListAuditPartitions() ([]string, error) {
	var parts []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEachBucket(func(k []byte) error {
			parts = append(parts, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(parts)
	return parts, nil
}

// ListAudit returns all records of one partition in key order
// (chronological). Unknown partitions yield an empty slice.
func (s *BoltStore) ListAudit(partition string) ([]*AuditRecord, error) {
	var recs []*AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit).Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// DeleteAuditPartition drops one whole day partition (retention only;
// individual records are never deleted).
func (s *BoltStore) DeleteAuditPartition(partition string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketAudit)
		if parent.Bucket([]byte(partition)) == nil {
			return nil
		}
		return parent.DeleteBucket([]byte(partition))
	})
}

// ---------------------------------------------------------------------------
// Break-glass tokens
// ---------------------------------------------------------------------------

// GetToken retrieves a token record by token hash.
func (s *BoltStore) GetToken(hash []byte) (*TokenRecord, error) {
	var rec TokenRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTokens).Get(hashKey(hash))
		if v == nil {
			return ErrTokenNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutToken stores a token record keyed by token hash.
func (s *BoltStore) PutToken(hash []byte, rec *TokenRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal token: %w", err)
		}
		return tx.Bucket(bucketTokens).Put(hashKey(hash), data)
	})
}

// RedeemToken atomically validates and consumes a token inside a single
// write transaction: of N concurrent calls on the same token exactly
// one observes used=false and flips it. The check callback runs inside
// the transaction for caller-specific validation (scope matching); a
// non-nil result aborts the redemption without consuming the token.
func (s *BoltStore) RedeemToken(hash []byte, usedBy string, now time.Time, check func(*TokenRecord) error) (*TokenRecord, error) {
	var rec TokenRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		key := hashKey(hash)
		v := b.Get(key)
		if v == nil {
			return ErrTokenNotFound
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal token: %w", err)
		}
		if rec.Used {
			return ErrTokenUsed
		}
		if now.After(rec.ExpiresAt) {
			return ErrTokenExpired
		}
		if check != nil {
			if err := check(&rec); err != nil {
				return err
			}
		}

		rec.Used = true
		usedAt := now
		rec.UsedAt = &usedAt
		rec.UsedBy = usedBy

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal token: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteExpiredTokens removes all tokens that expired before now and
// were never redeemed. Redeemed tokens are retained.
func (s *BoltStore) DeleteExpiredTokens(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)

		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec TokenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Used && now.After(rec.ExpiresAt) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// DeleteToken removes a token record.
func (s *BoltStore) DeleteToken(hash []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete(hashKey(hash))
	})
}

// ListTokens returns all token records.
func (s *BoltStore) ListTokens() ([]*TokenRecord, error) {
	var recs []*TokenRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(_, v []byte) error {
			var rec TokenRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// hashKey hex-encodes a token hash for use as a bucket key.
func hashKey(hash []byte) []byte {
	return []byte(hex.EncodeToString(hash))
}
