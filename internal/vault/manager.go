// Package vault provides the credential store: encrypted CRUD over
// secret values orchestrating the keyring, the access policy engine,
// and the audit trail. Plaintext exists only transiently in memory;
// what reaches disk is ciphertext plus non-sensitive catalog metadata.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/teamvault-io/teamvault/internal/access"
	"github.com/teamvault-io/teamvault/internal/audit"
	"github.com/teamvault-io/teamvault/internal/breakglass"
	"github.com/teamvault-io/teamvault/internal/crypto"
	"github.com/teamvault-io/teamvault/internal/keyring"
	"github.com/teamvault-io/teamvault/internal/metrics"
	"github.com/teamvault-io/teamvault/internal/store"
	"github.com/teamvault-io/teamvault/internal/validation"
)

// Manager orchestrates credential operations. Reads run fully in
// parallel; value mutations serialize on a per-name lock and
// structural changes on a catalog-wide lock. Encryption and decryption
// happen outside both locks.
type Manager struct {
	store    store.Store
	keyring  *keyring.Keyring
	access   *access.Engine
	recorder *audit.Recorder
	clock    clock.Clock
	log      *slog.Logger

	opTimeout time.Duration
	retention time.Duration

	catalogMu sync.RWMutex
	nameLocks sync.Map // name -> chan struct{} (capacity 1)
}

// NewManager creates a Manager.
func NewManager(s store.Store, kr *keyring.Keyring, eng *access.Engine, rec *audit.Recorder, clk clock.Clock, opTimeout, retention time.Duration) *Manager {
	return &Manager{
		store:     s,
		keyring:   kr,
		access:    eng,
		recorder:  rec,
		clock:     clk,
		log:       slog.Default().With("component", "vault"),
		opTimeout: opTimeout,
		retention: retention,
	}
}

// Access exposes the policy engine for grant/revoke calls.
func (m *Manager) Access() *access.Engine { return m.access }

// Put encrypts and stores a credential value, appending an immutable
// version snapshot and updating the catalog. Existing names are
// upserted with a bumped version. ownerTeam empty means global.
// expiresAt, when non-nil, sets a hard expiry on the credential.
func (m *Manager) Put(ctx context.Context, actor, name string, value []byte, typ store.CredentialType, ownerTeam string, expiresAt *time.Time) (int, error) {
	if err := validation.CredentialName(name); err != nil {
		return 0, err
	}
	if err := validation.TeamName(actor); err != nil {
		return 0, fmt.Errorf("invalid actor: %w", err)
	}
	if ownerTeam != "" {
		if err := validation.TeamName(ownerTeam); err != nil {
			return 0, fmt.Errorf("invalid owner team: %w", err)
		}
	}
	if !store.ValidType(typ) {
		return 0, fmt.Errorf("unknown credential type %q", typ)
	}

	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	// A team may always create a credential for itself; everything
	// else goes through the policy engine.
	creatingOwn := false
	if existing, err := m.store.GetCatalogEntry(name); errors.Is(err, store.ErrNotFound) || (err == nil && existing.Deleted()) {
		creatingOwn = ownerTeam != "" && access.TeamCovered(actor, ownerTeam)
	}
	if !creatingOwn {
		if err := m.access.Check(actor, name, access.ActionWrite); err != nil {
			return 0, m.deny(ctx, actor, name, audit.ActionCredentialUpdate)
		}
	}

	// Encrypt before taking any lock.
	ciphertext, err := m.keyring.Encrypt(value)
	if err != nil {
		return 0, fmt.Errorf("encrypt credential: %w", err)
	}

	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	unlock, err := m.lockName(ctx, name)
	if err != nil {
		return 0, err
	}
	defer unlock()

	now := m.clock.Now().UTC()
	version := 1
	action := audit.ActionCredentialCreate
	entry := &store.CatalogEntry{
		Name:          name,
		Type:          typ,
		OwnerTeam:     ownerTeam,
		CreatedAt:     now,
		LastRotatedAt: now,
		ExpiresAt:     expiresAt,
	}

	if existing, err := m.store.GetCatalogEntry(name); err == nil {
		// Version numbers keep increasing across tombstone revival so
		// arena keys stay unique.
		version = existing.Version + 1
		if !existing.Deleted() {
			action = audit.ActionCredentialUpdate
			entry.CreatedAt = existing.CreatedAt
			entry.LastRotatedAt = existing.LastRotatedAt
			entry.LastAccessedAt = existing.LastAccessedAt
			entry.DeprecatedVersion = existing.DeprecatedVersion
			entry.DeprecationExpiry = existing.DeprecationExpiry
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("read catalog: %w", err)
	}
	entry.Version = version

	if err := m.store.PutVersion(&store.VersionRecord{
		Name:       name,
		Version:    version,
		Ciphertext: ciphertext,
		CreatedAt:  now,
	}); err != nil {
		return 0, fmt.Errorf("store version: %w", err)
	}
	if err := m.store.PutCatalogEntry(entry); err != nil {
		return 0, fmt.Errorf("store catalog entry: %w", err)
	}

	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      actor,
		CredentialName: name,
		Action:         action,
		Outcome:        audit.OutcomeSuccess,
		Detail:         fmt.Sprintf("type=%s version=%d", typ, version),
	}); err != nil {
		return 0, err
	}

	metrics.OperationsTotal.WithLabelValues(action, audit.OutcomeSuccess).Inc()
	m.log.Info("credential stored", "name", name, "type", typ, "version", version, "owner", ownerTeam)
	return version, nil
}

// Get decrypts and returns the current version of a credential. The
// value is never logged.
func (m *Manager) Get(ctx context.Context, actor, name string) ([]byte, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	if err := m.access.Check(actor, name, access.ActionRead); err != nil {
		return nil, m.deny(ctx, actor, name, audit.ActionCredentialRead)
	}

	entry, err := m.liveEntry(ctx, actor, name, audit.ActionCredentialRead)
	if err != nil {
		return nil, err
	}

	value, err := m.decryptVersion(ctx, actor, name, entry.Version, audit.ActionCredentialRead)
	if err != nil {
		return nil, err
	}

	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      actor,
		CredentialName: name,
		Action:         audit.ActionCredentialRead,
		Outcome:        audit.OutcomeSuccess,
		Detail:         fmt.Sprintf("version=%d", entry.Version),
	}); err != nil {
		crypto.ZeroBytes(value)
		return nil, err
	}

	metrics.OperationsTotal.WithLabelValues(audit.ActionCredentialRead, audit.OutcomeSuccess).Inc()
	m.touchLastAccessed(name)
	return value, nil
}

// GetVersion decrypts a specific version. Besides the current version,
// only a deprecated version still inside its grace window is readable.
func (m *Manager) GetVersion(ctx context.Context, actor, name string, version int) ([]byte, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	if err := m.access.Check(actor, name, access.ActionRead); err != nil {
		return nil, m.deny(ctx, actor, name, audit.ActionCredentialRead)
	}

	entry, err := m.liveEntry(ctx, actor, name, audit.ActionCredentialRead)
	if err != nil {
		return nil, err
	}

	if !m.versionReadable(entry, version) {
		if err := m.recordAudit(ctx, audit.Event{
			ActorTeam:      actor,
			CredentialName: name,
			Action:         audit.ActionCredentialRead,
			Outcome:        audit.OutcomeError,
			Detail:         fmt.Sprintf("version=%d unreadable", version),
		}); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	value, err := m.decryptVersion(ctx, actor, name, version, audit.ActionCredentialRead)
	if err != nil {
		return nil, err
	}

	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      actor,
		CredentialName: name,
		Action:         audit.ActionCredentialRead,
		Outcome:        audit.OutcomeSuccess,
		Detail:         fmt.Sprintf("version=%d", version),
	}); err != nil {
		crypto.ZeroBytes(value)
		return nil, err
	}

	metrics.OperationsTotal.WithLabelValues(audit.ActionCredentialRead, audit.OutcomeSuccess).Inc()
	return value, nil
}

// GetWithGrant reads a credential under a redeemed break-glass grant,
// bypassing the policy engine. The audit action is distinct from a
// normal read.
func (m *Manager) GetWithGrant(ctx context.Context, grant *breakglass.Grant, name string) ([]byte, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	if grant == nil || !grant.Covers(name) || m.clock.Now().After(grant.ExpiresAt) {
		actor := ""
		detail := "grant scope mismatch"
		if grant != nil {
			actor = grant.RedeemedBy
			if m.clock.Now().After(grant.ExpiresAt) {
				detail = "grant expired"
			}
		}
		if err := m.recordAudit(ctx, audit.Event{
			ActorTeam:      actor,
			CredentialName: name,
			Action:         audit.ActionEmergencyRead,
			Outcome:        audit.OutcomeDenied,
			Detail:         detail,
		}); err != nil {
			return nil, err
		}
		return nil, breakglass.ErrTokenInvalid
	}

	entry, err := m.liveEntry(ctx, grant.RedeemedBy, name, audit.ActionEmergencyRead)
	if err != nil {
		return nil, err
	}

	value, err := m.decryptVersion(ctx, grant.RedeemedBy, name, entry.Version, audit.ActionEmergencyRead)
	if err != nil {
		return nil, err
	}

	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      grant.RedeemedBy,
		CredentialName: name,
		Action:         audit.ActionEmergencyRead,
		Outcome:        audit.OutcomeSuccess,
		Detail:         fmt.Sprintf("token_id=%s version=%d", grant.TokenID, entry.Version),
	}); err != nil {
		crypto.ZeroBytes(value)
		return nil, err
	}

	metrics.OperationsTotal.WithLabelValues(audit.ActionEmergencyRead, audit.OutcomeSuccess).Inc()
	m.log.Warn("emergency credential read", "name", name, "token_id", grant.TokenID, "actor", grant.RedeemedBy)
	return value, nil
}

// List returns the non-sensitive catalog, tombstones excluded. The
// catalog is globally visible; values still require a policy check.
func (m *Manager) List(ctx context.Context, actor string) ([]store.CatalogEntry, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	entries, err := m.store.ListCatalog()
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}

	out := make([]store.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Deleted() {
			out = append(out, *e)
		}
	}

	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam: actor,
		Action:    audit.ActionCredentialList,
		Outcome:   audit.OutcomeSuccess,
		Detail:    fmt.Sprintf("entries=%d", len(out)),
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete tombstones a credential. Ciphertext is retained for the
// retention window and purged by PurgeExpired.
func (m *Manager) Delete(ctx context.Context, actor, name string) error {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	if err := m.access.Check(actor, name, access.ActionDelete); err != nil {
		return m.deny(ctx, actor, name, audit.ActionCredentialDelete)
	}

	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	unlock, err := m.lockName(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	entry, err := m.store.GetCatalogEntry(name)
	if err != nil || entry.Deleted() {
		return m.notFound(ctx, actor, name, audit.ActionCredentialDelete)
	}

	now := m.clock.Now().UTC()
	purgeAfter := now.Add(m.retention)
	entry.DeletedAt = &now
	entry.PurgeAfter = &purgeAfter
	if err := m.store.PutCatalogEntry(entry); err != nil {
		return fmt.Errorf("tombstone catalog entry: %w", err)
	}

	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      actor,
		CredentialName: name,
		Action:         audit.ActionCredentialDelete,
		Outcome:        audit.OutcomeSuccess,
		Detail:         fmt.Sprintf("purge_after=%s", purgeAfter.Format(time.RFC3339)),
	}); err != nil {
		return err
	}

	metrics.OperationsTotal.WithLabelValues(audit.ActionCredentialDelete, audit.OutcomeSuccess).Inc()
	m.log.Info("credential tombstoned", "name", name, "purge_after", purgeAfter)
	return nil
}

// Rotate appends a new version of a credential and deprecates the
// current one with a grace window, during which both versions decrypt.
// After the window the old version is unreadable; its record is purged
// once the retention window passes.
func (m *Manager) Rotate(ctx context.Context, actor, name string, newValue []byte, grace time.Duration) (int, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	if err := m.access.Check(actor, name, access.ActionRotate); err != nil {
		return 0, m.deny(ctx, actor, name, audit.ActionCredentialRotate)
	}

	ciphertext, err := m.keyring.Encrypt(newValue)
	if err != nil {
		return 0, fmt.Errorf("encrypt credential: %w", err)
	}

	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	unlock, err := m.lockName(ctx, name)
	if err != nil {
		return 0, err
	}
	defer unlock()

	entry, err := m.store.GetCatalogEntry(name)
	if err != nil || entry.Deleted() {
		return 0, m.notFound(ctx, actor, name, audit.ActionCredentialRotate)
	}

	now := m.clock.Now().UTC()
	oldVersion := entry.Version
	newVersion := oldVersion + 1
	graceEnd := now.Add(grace)

	// The old snapshot keeps its ciphertext untouched; only lifecycle
	// stamps are added.
	oldRec, err := m.store.GetVersion(name, oldVersion)
	if err != nil {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	oldRec.DeprecatedAt = &now
	oldRec.HardExpiry = &graceEnd
	if err := m.store.PutVersion(oldRec); err != nil {
		return 0, fmt.Errorf("deprecate version: %w", err)
	}

	if err := m.store.PutVersion(&store.VersionRecord{
		Name:       name,
		Version:    newVersion,
		Ciphertext: ciphertext,
		CreatedAt:  now,
	}); err != nil {
		return 0, fmt.Errorf("store version: %w", err)
	}

	entry.Version = newVersion
	entry.LastRotatedAt = now
	entry.DeprecatedVersion = &oldVersion
	entry.DeprecationExpiry = &graceEnd
	if err := m.store.PutCatalogEntry(entry); err != nil {
		return 0, fmt.Errorf("store catalog entry: %w", err)
	}

	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      actor,
		CredentialName: name,
		Action:         audit.ActionCredentialRotate,
		Outcome:        audit.OutcomeSuccess,
		Detail:         fmt.Sprintf("version=%d deprecated=%d grace_until=%s", newVersion, oldVersion, graceEnd.Format(time.RFC3339)),
	}); err != nil {
		return 0, err
	}

	metrics.OperationsTotal.WithLabelValues(audit.ActionCredentialRotate, audit.OutcomeSuccess).Inc()
	m.log.Info("credential rotated", "name", name, "version", newVersion, "grace_until", graceEnd)
	return newVersion, nil
}

// PurgeExpired physically removes version records whose grace window
// ended longer than the retention window ago, and tombstoned
// credentials past their purge time. Returns the number of purged
// version records.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()

	entries, err := m.store.ListCatalog()
	if err != nil {
		return 0, fmt.Errorf("list catalog: %w", err)
	}

	now := m.clock.Now().UTC()
	purged := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return purged, m.wrapCtxErr(err)
		}

		if entry.Deleted() && entry.PurgeAfter != nil && now.After(*entry.PurgeAfter) {
			versions, err := m.store.ListVersions(entry.Name)
			if err != nil {
				return purged, fmt.Errorf("list versions of %s: %w", entry.Name, err)
			}
			for _, v := range versions {
				if err := m.store.DeleteVersion(v.Name, v.Version); err != nil {
					return purged, fmt.Errorf("purge version %s/%d: %w", v.Name, v.Version, err)
				}
				purged++
			}
			if err := m.store.DeleteCatalogEntry(entry.Name); err != nil {
				return purged, fmt.Errorf("purge catalog entry %s: %w", entry.Name, err)
			}
			m.log.Info("tombstoned credential purged", "name", entry.Name)
			continue
		}

		versions, err := m.store.ListVersions(entry.Name)
		if err != nil {
			return purged, fmt.Errorf("list versions of %s: %w", entry.Name, err)
		}
		for _, v := range versions {
			if v.HardExpiry == nil || now.Before(v.HardExpiry.Add(m.retention)) {
				continue
			}
			if err := m.store.DeleteVersion(v.Name, v.Version); err != nil {
				return purged, fmt.Errorf("purge version %s/%d: %w", v.Name, v.Version, err)
			}
			purged++
			if entry.DeprecatedVersion != nil && *entry.DeprecatedVersion == v.Version {
				entry.DeprecatedVersion = nil
				entry.DeprecationExpiry = nil
				if err := m.store.PutCatalogEntry(entry); err != nil {
					return purged, fmt.Errorf("update catalog entry %s: %w", entry.Name, err)
				}
			}
		}
	}

	if purged > 0 {
		m.log.Info("expired versions purged", "count", purged)
	}
	return purged, nil
}

// RefreshMetrics recomputes catalog gauges.
func (m *Manager) RefreshMetrics(ctx context.Context) error {
	entries, err := m.store.ListCatalog()
	if err != nil {
		return fmt.Errorf("list catalog: %w", err)
	}
	live := 0
	for _, e := range entries {
		if !e.Deleted() {
			live++
		}
	}
	metrics.CredentialsTotal.Set(float64(live))
	return nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// liveEntry loads a non-tombstoned, non-expired catalog entry, auditing
// the failure paths.
func (m *Manager) liveEntry(ctx context.Context, actor, name, action string) (*store.CatalogEntry, error) {
	entry, err := m.store.GetCatalogEntry(name)
	if err != nil || entry.Deleted() {
		return nil, m.notFound(ctx, actor, name, action)
	}
	if entry.ExpiresAt != nil && m.clock.Now().UTC().After(*entry.ExpiresAt) {
		if auditErr := m.recordAudit(ctx, audit.Event{
			ActorTeam:      actor,
			CredentialName: name,
			Action:         action,
			Outcome:        audit.OutcomeExpired,
		}); auditErr != nil {
			return nil, auditErr
		}
		metrics.OperationsTotal.WithLabelValues(action, audit.OutcomeExpired).Inc()
		return nil, ErrExpired
	}
	return entry, nil
}

// decryptVersion loads and decrypts one version record. A tag failure
// is audited and surfaced as ErrIntegrity; the credential must not be
// treated as usable afterwards.
func (m *Manager) decryptVersion(ctx context.Context, actor, name string, version int, action string) ([]byte, error) {
	rec, err := m.store.GetVersion(name, version)
	if err != nil {
		return nil, m.notFound(ctx, actor, name, action)
	}

	value, err := m.keyring.Decrypt(rec.Ciphertext)
	if err != nil {
		if auditErr := m.recordAudit(ctx, audit.Event{
			ActorTeam:      actor,
			CredentialName: name,
			Action:         action,
			Outcome:        audit.OutcomeError,
			Detail:         fmt.Sprintf("version=%d integrity failure", version),
		}); auditErr != nil {
			return nil, auditErr
		}
		m.log.Error("credential ciphertext failed integrity check", "name", name, "version", version)
		return nil, ErrIntegrity
	}
	return value, nil
}

// versionReadable implements the grace-window rule: the current version
// is always readable, a deprecated one only before its expiry.
func (m *Manager) versionReadable(entry *store.CatalogEntry, version int) bool {
	if version == entry.Version {
		return true
	}
	if entry.DeprecatedVersion != nil && version == *entry.DeprecatedVersion &&
		entry.DeprecationExpiry != nil && m.clock.Now().UTC().Before(*entry.DeprecationExpiry) {
		return true
	}
	return false
}

// deny audits a policy denial and returns ErrAccessDenied. If the audit
// write fails the operation fails with that error instead: denials are
// never silent.
func (m *Manager) deny(ctx context.Context, actor, name, action string) error {
	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      actor,
		CredentialName: name,
		Action:         action,
		Outcome:        audit.OutcomeDenied,
	}); err != nil {
		return err
	}
	metrics.OperationsTotal.WithLabelValues(action, audit.OutcomeDenied).Inc()
	metrics.AccessDenialsTotal.WithLabelValues(actor).Inc()
	m.log.Warn("access denied", "actor", actor, "credential", name, "action", action)
	return access.ErrAccessDenied
}

// notFound audits a miss on an authorized operation and returns
// ErrNotFound.
func (m *Manager) notFound(ctx context.Context, actor, name, action string) error {
	if err := m.recordAudit(ctx, audit.Event{
		ActorTeam:      actor,
		CredentialName: name,
		Action:         action,
		Outcome:        audit.OutcomeError,
		Detail:         "not found",
	}); err != nil {
		return err
	}
	metrics.OperationsTotal.WithLabelValues(action, audit.OutcomeError).Inc()
	return ErrNotFound
}

func (m *Manager) recordAudit(ctx context.Context, ev audit.Event) error {
	if err := m.recorder.Record(ctx, ev); err != nil {
		return fmt.Errorf("audit write failed, operation aborted: %w", err)
	}
	metrics.AuditEventsTotal.WithLabelValues(ev.Outcome).Inc()
	return nil
}

// touchLastAccessed updates the catalog bookkeeping asynchronously and
// best-effort; a read never blocks on it.
func (m *Manager) touchLastAccessed(name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		unlock, err := m.lockName(ctx, name)
		if err != nil {
			return
		}
		defer unlock()

		entry, err := m.store.GetCatalogEntry(name)
		if err != nil || entry.Deleted() {
			return
		}
		now := m.clock.Now().UTC()
		entry.LastAccessedAt = &now
		if err := m.store.PutCatalogEntry(entry); err != nil {
			m.log.Error("update last accessed failed", "name", name, "error", err)
		}
	}()
}

// opCtx applies the configured operation timeout when the caller did
// not set a deadline.
func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.opTimeout)
}

// lockName acquires the per-credential write lock, honoring the
// context deadline.
func (m *Manager) lockName(ctx context.Context, name string) (func(), error) {
	v, _ := m.nameLocks.LoadOrStore(name, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, m.wrapCtxErr(ctx.Err())
	}
}

// wrapCtxErr maps a context deadline to the timeout sentinel.
func (m *Manager) wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
