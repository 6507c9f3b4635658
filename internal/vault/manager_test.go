package vault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/teamvault-io/teamvault/internal/access"
	"github.com/teamvault-io/teamvault/internal/audit"
	"github.com/teamvault-io/teamvault/internal/breakglass"
	"github.com/teamvault-io/teamvault/internal/crypto"
	"github.com/teamvault-io/teamvault/internal/keyring"
	"github.com/teamvault-io/teamvault/internal/store"
)

const (
	testAdminTeam     = "security"
	testExecutiveTeam = "executive"
	testRetention     = 30 * 24 * time.Hour
	testGrace         = 24 * time.Hour
)

var testEpoch = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    store.Store
	keyring  *keyring.Keyring
	engine   *access.Engine
	recorder *audit.Recorder
	clock    *testclock.Clock
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	kr, err := keyring.Init(s, "fixture passphrase", crypto.MinKDFIterations)
	if err != nil {
		t.Fatalf("keyring.Init() error = %v", err)
	}
	t.Cleanup(kr.Close)

	clk := testclock.NewClock(testEpoch)
	rec := audit.NewRecorder(s, clk)
	eng, err := access.NewEngine(s, rec, testExecutiveTeam, testAdminTeam)
	if err != nil {
		t.Fatalf("access.NewEngine() error = %v", err)
	}

	return &fixture{
		store:    s,
		keyring:  kr,
		engine:   eng,
		recorder: rec,
		clock:    clk,
		manager:  NewManager(s, kr, eng, rec, clk, 30*time.Second, testRetention),
	}
}

func (f *fixture) auditOutcomes(t *testing.T, filter audit.Filter) []*store.AuditRecord {
	t.Helper()
	var out []*store.AuditRecord
	f.recorder.Query(context.Background(), filter)(func(rec *store.AuditRecord, err error) bool {
		if err != nil {
			t.Fatalf("audit query error = %v", err)
		}
		out = append(out, rec)
		return true
	})
	return out
}

func TestPutGet_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		value []byte
	}{
		{"API_KEY_TEXT", []byte("sk-proj-abcdef123456")},
		{"BINARY_BLOB", []byte{0x00, 0xFF, 0xDE, 0xAD, 0x00, 0xBE, 0xEF}},
		{"EMPTY_VALUE", []byte{}},
		{"LARGE_VALUE", bytes.Repeat([]byte("pad"), 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := f.manager.Put(ctx, "engineering", tt.name, tt.value, store.TypeAPIKey, "engineering", nil)
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if version != 1 {
				t.Errorf("Put() version = %d, want 1", version)
			}

			got, err := f.manager.Get(ctx, "engineering", tt.name)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !bytes.Equal(got, tt.value) {
				t.Errorf("Get() = %v, want %v", got, tt.value)
			}
		})
	}
}

func TestPut_CiphertextAtRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret := []byte("plaintext-that-must-not-touch-disk")
	if _, err := f.manager.Put(ctx, "engineering", "SENSITIVE", secret, store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec, err := f.store.GetVersion("SENSITIVE", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if bytes.Contains(rec.Ciphertext, secret) {
		t.Error("stored ciphertext contains the plaintext")
	}
}

func TestPut_UpsertBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.manager.Put(ctx, "engineering", "API_KEY", []byte("one"), store.TypeAPIKey, "engineering", nil)
	if err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	v2, err := f.manager.Put(ctx, "engineering", "API_KEY", []byte("two"), store.TypeAPIKey, "engineering", nil)
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", v1, v2)
	}

	got, err := f.manager.Get(ctx, "engineering", "API_KEY")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get() = %q, want latest value", got)
	}
}

func TestPut_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "bad name!", []byte("x"), store.TypeAPIKey, "engineering", nil); err == nil {
		t.Error("Put() with invalid credential name succeeded")
	}
	if _, err := f.manager.Put(ctx, "engineering", "OK_NAME", []byte("x"), "carrier_pigeon", "engineering", nil); err == nil {
		t.Error("Put() with unknown credential type succeeded")
	}
	if _, err := f.manager.Put(ctx, "Bad Team", "OK_NAME", []byte("x"), store.TypeAPIKey, "", nil); err == nil {
		t.Error("Put() with invalid actor team succeeded")
	}
}

func TestGet_WrongTeamDeniedAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "GITHUB_TOKEN", []byte("ghp_xyz"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	_, err := f.manager.Get(ctx, "marketing", "GITHUB_TOKEN")
	if !errors.Is(err, access.ErrAccessDenied) {
		t.Fatalf("Get() by wrong team error = %v, want ErrAccessDenied", err)
	}

	denials := f.auditOutcomes(t, audit.Filter{Team: "marketing", Outcome: audit.OutcomeDenied})
	if len(denials) != 1 {
		t.Fatalf("audit trail has %d denial records, want 1", len(denials))
	}
	if denials[0].CredentialName != "GITHUB_TOKEN" || denials[0].Action != audit.ActionCredentialRead {
		t.Errorf("denial record = %+v, want read denial on GITHUB_TOKEN", denials[0])
	}
}

func TestGet_GlobalCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A credential stored without an owning team is global: readable
	// by any team with no rule in the policy table at all.
	if _, err := f.manager.Put(ctx, testAdminTeam, "OPENAI_API_KEY", []byte("sk-shared"), store.TypeAPIKey, "", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := f.manager.Get(ctx, "marketing", "OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("Get() by marketing error = %v", err)
	}
	if string(got) != "sk-shared" {
		t.Errorf("Get() = %q, want shared value", got)
	}

	// Global read does not extend to mutation.
	if err := f.manager.Delete(ctx, "marketing", "OPENAI_API_KEY"); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("Delete() by marketing error = %v, want ErrAccessDenied", err)
	}
	if _, err := f.manager.Rotate(ctx, "marketing", "OPENAI_API_KEY", []byte("sk-new"), testGrace); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("Rotate() by marketing error = %v, want ErrAccessDenied", err)
	}
}

// The shared-key/owned-key scenario end to end: a global API key
// readable by everyone, an owned token denied to outsiders with the
// denial on the audit trail.
func TestSharedAndOwnedCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, testAdminTeam, "OPENAI_API_KEY", []byte("sk-global"), store.TypeAPIKey, "", nil); err != nil {
		t.Fatalf("Put(global) error = %v", err)
	}
	if _, err := f.manager.Put(ctx, "engineering", "GITHUB_TOKEN", []byte("ghp_private"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put(owned) error = %v", err)
	}

	if _, err := f.manager.Get(ctx, "marketing", "OPENAI_API_KEY"); err != nil {
		t.Errorf("marketing reading global key: %v, want allow", err)
	}
	if _, err := f.manager.Get(ctx, "engineering", "GITHUB_TOKEN"); err != nil {
		t.Errorf("owner reading own token: %v, want allow", err)
	}
	if _, err := f.manager.Get(ctx, "marketing", "GITHUB_TOKEN"); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("marketing reading owned token: %v, want ErrAccessDenied", err)
	}

	denials := f.auditOutcomes(t, audit.Filter{Credential: "GITHUB_TOKEN", Outcome: audit.OutcomeDenied})
	if len(denials) != 1 {
		t.Errorf("audit trail has %d denials for GITHUB_TOKEN, want 1", len(denials))
	}
}

func TestGetWithGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "platform", "DB_PASSWORD", []byte("hunter2"), store.TypeDatabase, "platform", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	grant := &breakglass.Grant{
		TokenID:    "tok-1",
		RedeemedBy: "oncall",
		Scope:      "DB_*",
		ExpiresAt:  testEpoch.Add(time.Hour),
	}

	got, err := f.manager.GetWithGrant(ctx, grant, "DB_PASSWORD")
	if err != nil {
		t.Fatalf("GetWithGrant() error = %v", err)
	}
	if string(got) != "hunter2" {
		t.Errorf("GetWithGrant() = %q, want stored value", got)
	}

	if _, err := f.manager.GetWithGrant(ctx, grant, "API_TOKEN"); !errors.Is(err, breakglass.ErrTokenInvalid) {
		t.Errorf("out-of-scope GetWithGrant() error = %v, want ErrTokenInvalid", err)
	}

	reads := f.auditOutcomes(t, audit.Filter{Credential: "DB_PASSWORD", Outcome: audit.OutcomeSuccess})
	if len(reads) != 2 {
		t.Fatalf("audit records = %d, want create + emergency read", len(reads))
	}
	if reads[1].Action != audit.ActionEmergencyRead {
		t.Errorf("audit action = %q, want %q", reads[1].Action, audit.ActionEmergencyRead)
	}
}

func TestGetWithGrant_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "platform", "DB_PASSWORD", []byte("hunter2"), store.TypeDatabase, "platform", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	grant := &breakglass.Grant{
		TokenID:    "tok-2",
		RedeemedBy: "oncall",
		ExpiresAt:  testEpoch.Add(time.Hour),
	}

	if _, err := f.manager.GetWithGrant(ctx, grant, "DB_PASSWORD"); err != nil {
		t.Fatalf("GetWithGrant() before expiry error = %v", err)
	}

	// A redeemed grant stops working once the token's window closes.
	f.clock.Advance(2 * time.Hour)
	if _, err := f.manager.GetWithGrant(ctx, grant, "DB_PASSWORD"); !errors.Is(err, breakglass.ErrTokenInvalid) {
		t.Errorf("GetWithGrant() after expiry error = %v, want ErrTokenInvalid", err)
	}

	denials := f.auditOutcomes(t, audit.Filter{Credential: "DB_PASSWORD", Outcome: audit.OutcomeDenied})
	if len(denials) != 1 || denials[0].Detail != "grant expired" {
		t.Fatalf("denial audit = %+v, want one record with detail %q", denials, "grant expired")
	}
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Get(ctx, testAdminTeam, "NEVER_STORED"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestGet_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiry := testEpoch.Add(time.Hour)
	if _, err := f.manager.Put(ctx, "engineering", "SHORT_LIVED", []byte("v"), store.TypeAPIKey, "engineering", &expiry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := f.manager.Get(ctx, "engineering", "SHORT_LIVED"); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	if _, err := f.manager.Get(ctx, "engineering", "SHORT_LIVED"); !errors.Is(err, ErrExpired) {
		t.Errorf("Get() after expiry error = %v, want ErrExpired", err)
	}

	expired := f.auditOutcomes(t, audit.Filter{Outcome: audit.OutcomeExpired})
	if len(expired) != 1 {
		t.Errorf("audit trail has %d expired records, want 1", len(expired))
	}
}

func TestGet_CorruptedCiphertext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "TARGET", []byte("intact"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec, err := f.store.GetVersion("TARGET", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	rec.Ciphertext[len(rec.Ciphertext)-1] ^= 0x01
	if err := f.store.PutVersion(rec); err != nil {
		t.Fatalf("PutVersion(corrupted) error = %v", err)
	}

	if _, err := f.manager.Get(ctx, "engineering", "TARGET"); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Get() of corrupted ciphertext error = %v, want ErrIntegrity", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "KEEP", []byte("a"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := f.manager.Put(ctx, "engineering", "DROP", []byte("b"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := f.manager.Delete(ctx, "engineering", "DROP"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	entries, err := f.manager.List(ctx, "marketing")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "KEEP" {
		t.Errorf("List() = %+v, want only KEEP", entries)
	}
}

func TestDelete_TombstoneAndRevival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "EPHEMERAL", []byte("v1"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := f.manager.Delete(ctx, "engineering", "EPHEMERAL"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The owner sees a miss, not a policy denial; outsiders still see
	// the same denial a missing name produces.
	if _, err := f.manager.Get(ctx, "engineering", "EPHEMERAL"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := f.manager.Delete(ctx, "engineering", "EPHEMERAL"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if _, err := f.manager.Get(ctx, "marketing", "EPHEMERAL"); !errors.Is(err, access.ErrAccessDenied) {
		t.Errorf("Get() by non-owner after delete error = %v, want ErrAccessDenied", err)
	}

	// Ciphertext is retained until the retention window passes.
	if _, err := f.store.GetVersion("EPHEMERAL", 1); err != nil {
		t.Errorf("version record purged before retention window: %v", err)
	}

	// Re-creating the name continues the version numbering.
	v, err := f.manager.Put(ctx, "engineering", "EPHEMERAL", []byte("v2"), store.TypeAPIKey, "engineering", nil)
	if err != nil {
		t.Fatalf("Put() after delete error = %v", err)
	}
	if v != 2 {
		t.Errorf("revival version = %d, want 2", v)
	}
	got, err := f.manager.Get(ctx, "engineering", "EPHEMERAL")
	if err != nil || string(got) != "v2" {
		t.Errorf("Get() after revival = %q, %v; want v2", got, err)
	}
}

func TestRotate_GraceWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "DB_PASSWORD", []byte("old-secret"), store.TypeDatabase, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	newVersion, err := f.manager.Rotate(ctx, "engineering", "DB_PASSWORD", []byte("new-secret"), testGrace)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if newVersion != 2 {
		t.Fatalf("Rotate() version = %d, want 2", newVersion)
	}

	// Inside the grace window both versions decrypt.
	current, err := f.manager.Get(ctx, "engineering", "DB_PASSWORD")
	if err != nil || string(current) != "new-secret" {
		t.Errorf("Get() = %q, %v; want new-secret", current, err)
	}
	old, err := f.manager.GetVersion(ctx, "engineering", "DB_PASSWORD", 1)
	if err != nil || string(old) != "old-secret" {
		t.Errorf("GetVersion(1) = %q, %v; want old-secret inside grace window", old, err)
	}

	// After the window the old version is gone; the new one stays.
	f.clock.Advance(testGrace + time.Minute)
	if _, err := f.manager.GetVersion(ctx, "engineering", "DB_PASSWORD", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVersion(1) after grace window error = %v, want ErrNotFound", err)
	}
	if _, err := f.manager.Get(ctx, "engineering", "DB_PASSWORD"); err != nil {
		t.Errorf("Get() after grace window error = %v, want allow", err)
	}
}

func TestRotate_UpdatesCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "ROTATED", []byte("a"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.manager.Rotate(ctx, "engineering", "ROTATED", []byte("b"), testGrace); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	entry, err := f.store.GetCatalogEntry("ROTATED")
	if err != nil {
		t.Fatalf("GetCatalogEntry() error = %v", err)
	}
	if entry.Version != 2 {
		t.Errorf("catalog Version = %d, want 2", entry.Version)
	}
	if !entry.LastRotatedAt.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("LastRotatedAt = %v, want rotation time", entry.LastRotatedAt)
	}
	if entry.DeprecatedVersion == nil || *entry.DeprecatedVersion != 1 {
		t.Errorf("DeprecatedVersion = %v, want 1", entry.DeprecatedVersion)
	}
}

func TestGetVersion_UnknownVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "SINGLE", []byte("v"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := f.manager.GetVersion(ctx, "engineering", "SINGLE", 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVersion(7) error = %v, want ErrNotFound", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "ROTATING", []byte("a"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := f.manager.Rotate(ctx, "engineering", "ROTATING", []byte("b"), testGrace); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if _, err := f.manager.Put(ctx, "engineering", "DELETED", []byte("c"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := f.manager.Delete(ctx, "engineering", "DELETED"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Before the retention window nothing is eligible.
	purged, err := f.manager.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if purged != 0 {
		t.Errorf("early PurgeExpired() = %d, want 0", purged)
	}

	f.clock.Advance(testGrace + testRetention + time.Hour)
	purged, err = f.manager.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	// The deprecated version of ROTATING plus the single version of
	// DELETED.
	if purged != 2 {
		t.Errorf("PurgeExpired() = %d, want 2", purged)
	}

	if _, err := f.store.GetVersion("ROTATING", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deprecated version survived purge: %v", err)
	}
	if _, err := f.store.GetVersion("ROTATING", 2); err != nil {
		t.Errorf("current version purged: %v", err)
	}
	if _, err := f.store.GetCatalogEntry("DELETED"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("tombstoned entry survived purge: %v", err)
	}
}

func TestAuditCompleteness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "TRACKED", []byte("v1"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := f.manager.Get(ctx, "engineering", "TRACKED"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := f.manager.Rotate(ctx, "engineering", "TRACKED", []byte("v2"), testGrace); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	_, _ = f.manager.Get(ctx, "marketing", "TRACKED") // denied
	if err := f.manager.Delete(ctx, "engineering", "TRACKED"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	recs := f.auditOutcomes(t, audit.Filter{Credential: "TRACKED"})
	wantActions := []string{
		audit.ActionCredentialCreate,
		audit.ActionCredentialRead,
		audit.ActionCredentialRotate,
		audit.ActionCredentialRead, // the denied attempt
		audit.ActionCredentialDelete,
	}
	if len(recs) != len(wantActions) {
		t.Fatalf("audit trail has %d records, want %d", len(recs), len(wantActions))
	}
	for i, want := range wantActions {
		if recs[i].Action != want {
			t.Errorf("recs[%d].Action = %s, want %s", i, recs[i].Action, want)
		}
	}
	if recs[3].Outcome != audit.OutcomeDenied {
		t.Errorf("denied read outcome = %s, want %s", recs[3].Outcome, audit.OutcomeDenied)
	}
}

func TestConcurrentWritesSameName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "CONTENDED", []byte("seed"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Put(ctx, "engineering", "CONTENDED", []byte("update"), store.TypeAPIKey, "engineering", nil); err != nil {
				t.Errorf("concurrent Put() error = %v", err)
			}
		}()
	}
	wg.Wait()

	entry, err := f.store.GetCatalogEntry("CONTENDED")
	if err != nil {
		t.Fatalf("GetCatalogEntry() error = %v", err)
	}
	// Serialized writes mean no lost updates: every Put bumped once.
	if entry.Version != n+1 {
		t.Errorf("final version = %d, want %d", entry.Version, n+1)
	}
}

func TestConcurrentReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Put(ctx, "engineering", "HOT_KEY", []byte("shared"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.manager.Get(ctx, "engineering", "HOT_KEY")
			if err != nil || string(got) != "shared" {
				t.Errorf("concurrent Get() = %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
}

func TestPurgeExpired_Timeout(t *testing.T) {
	f := newFixture(t)

	if _, err := f.manager.Put(context.Background(), "engineering", "ANYTHING", []byte("v"), store.TypeAPIKey, "engineering", nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	if _, err := f.manager.PurgeExpired(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("PurgeExpired() with expired deadline error = %v, want ErrTimeout", err)
	}
}
