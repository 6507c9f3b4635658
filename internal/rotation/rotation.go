// Package rotation enforces per-type credential rotation cadence. A
// scheduler sweep finds credentials older than their type's maximum
// age and rotates them in place, generating fresh secret material for
// machine-generated types and flagging the rest for an operator.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/teamvault-io/teamvault/internal/crypto"
	"github.com/teamvault-io/teamvault/internal/metrics"
	"github.com/teamvault-io/teamvault/internal/store"
	"github.com/teamvault-io/teamvault/internal/vault"
)

// ErrManualRotationRequired marks credential types whose secret
// material cannot be machine-generated. The credential stays usable;
// an operator must rotate it with new material.
var ErrManualRotationRequired = errors.New("manual rotation required")

// Default maximum ages per credential type.
const (
	MaxAgeAPIKey         = 30 * 24 * time.Hour
	MaxAgeDatabase       = 7 * 24 * time.Hour
	MaxAgeServiceAccount = 90 * 24 * time.Hour
	MaxAgeWebhook        = 60 * 24 * time.Hour
	MaxAgeJWTSecret      = 14 * 24 * time.Hour
	MaxAgeCertificate    = 365 * 24 * time.Hour
)

// defaultMaxAges maps each credential type to its default cadence.
var defaultMaxAges = map[store.CredentialType]time.Duration{
	store.TypeAPIKey:         MaxAgeAPIKey,
	store.TypeDatabase:       MaxAgeDatabase,
	store.TypeServiceAccount: MaxAgeServiceAccount,
	store.TypeWebhook:        MaxAgeWebhook,
	store.TypeJWTSecret:      MaxAgeJWTSecret,
	store.TypeCertificate:    MaxAgeCertificate,
}

// Hook runs after a successful rotation, e.g. to push the new value to
// a consuming system. Hook errors are logged, never propagated: the
// rotation itself already happened.
type Hook func(ctx context.Context, name string, typ store.CredentialType, version int)

// Due describes a credential whose age exceeds its type's maximum.
type Due struct {
	Name     string
	Type     store.CredentialType
	Age      time.Duration
	Overdue  time.Duration
	Manual   bool
	LastSpin time.Time
}

// ScheduleEntry pairs a credential with its next rotation deadline.
type ScheduleEntry struct {
	Name    string
	Type    store.CredentialType
	NextDue time.Time
	Manual  bool
}

// Result summarizes one sweep.
type Result struct {
	Rotated        []string
	ManualRequired []string
	Failed         map[string]error
}

// Scheduler drives cadence-based rotation through the vault manager.
type Scheduler struct {
	manager *vault.Manager
	store   store.Store
	clock   clock.Clock
	log     *slog.Logger

	actor   string
	grace   time.Duration
	maxAges map[store.CredentialType]time.Duration
	hooks   []Hook
}

// NewScheduler creates a Scheduler acting as the given team. Zero or
// missing entries in maxAges fall back to the per-type defaults.
func NewScheduler(m *vault.Manager, s store.Store, clk clock.Clock, actor string, grace time.Duration, maxAges map[string]time.Duration) *Scheduler {
	ages := make(map[store.CredentialType]time.Duration, len(defaultMaxAges))
	for typ, d := range defaultMaxAges {
		ages[typ] = d
		if override, ok := maxAges[string(typ)]; ok && override > 0 {
			ages[typ] = override
		}
	}
	return &Scheduler{
		manager: m,
		store:   s,
		clock:   clk,
		log:     slog.Default().With("component", "rotation"),
		actor:   actor,
		grace:   grace,
		maxAges: ages,
	}
}

// AddHook registers a post-rotation hook. Not safe to call after the
// scheduler starts sweeping.
func (s *Scheduler) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

// MaxAge returns the cadence for a credential type.
func (s *Scheduler) MaxAge(typ store.CredentialType) time.Duration {
	if d, ok := s.maxAges[typ]; ok {
		return d
	}
	return MaxAgeAPIKey
}

// CheckDue lazily yields credentials whose age since last rotation
// exceeds their type's maximum. Tombstoned credentials are skipped.
func (s *Scheduler) CheckDue(ctx context.Context) func(yield func(Due, error) bool) {
	return func(yield func(Due, error) bool) {
		entries, err := s.store.ListCatalog()
		if err != nil {
			yield(Due{}, fmt.Errorf("list catalog: %w", err))
			return
		}
		now := s.clock.Now().UTC()
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(Due{}, err)
				return
			}
			if e.Deleted() {
				continue
			}
			age := now.Sub(e.LastRotatedAt)
			maxAge := s.MaxAge(e.Type)
			if age <= maxAge {
				continue
			}
			due := Due{
				Name:     e.Name,
				Type:     e.Type,
				Age:      age,
				Overdue:  age - maxAge,
				Manual:   manualType(e.Type),
				LastSpin: e.LastRotatedAt,
			}
			if !yield(due, nil) {
				return
			}
		}
	}
}

// Schedule lists every live credential with its next rotation
// deadline, soonest first order is not guaranteed.
func (s *Scheduler) Schedule(ctx context.Context) ([]ScheduleEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.store.ListCatalog()
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	out := make([]ScheduleEntry, 0, len(entries))
	for _, e := range entries {
		if e.Deleted() {
			continue
		}
		out = append(out, ScheduleEntry{
			Name:    e.Name,
			Type:    e.Type,
			NextDue: e.LastRotatedAt.Add(s.MaxAge(e.Type)),
			Manual:  manualType(e.Type),
		})
	}
	return out, nil
}

// Rotate generates fresh secret material for one credential and
// rotates it with the configured grace window. Types without a
// generator return ErrManualRotationRequired and stay usable.
func (s *Scheduler) Rotate(ctx context.Context, name string) (int, error) {
	entry, err := s.store.GetCatalogEntry(name)
	if err != nil || entry.Deleted() {
		return 0, vault.ErrNotFound
	}
	if manualType(entry.Type) {
		metrics.RotationsTotal.WithLabelValues(string(entry.Type), "manual_required").Inc()
		s.log.Warn("credential needs manual rotation", "name", name, "type", entry.Type)
		return 0, fmt.Errorf("%w: %s (%s)", ErrManualRotationRequired, name, entry.Type)
	}

	value, err := generateValue(entry.Type)
	if err != nil {
		return 0, fmt.Errorf("generate %s value: %w", entry.Type, err)
	}
	defer crypto.ZeroBytes(value)

	version, err := s.manager.Rotate(ctx, s.actor, name, value, s.grace)
	if err != nil {
		metrics.RotationsTotal.WithLabelValues(string(entry.Type), "error").Inc()
		return 0, err
	}
	metrics.RotationsTotal.WithLabelValues(string(entry.Type), "success").Inc()
	s.runHooks(ctx, name, entry.Type, version)
	return version, nil
}

// RotateWith rotates a credential with operator-supplied material.
// This is the path for manual-rotation types, but works for any type.
func (s *Scheduler) RotateWith(ctx context.Context, actor, name string, value []byte) (int, error) {
	entry, err := s.store.GetCatalogEntry(name)
	if err != nil || entry.Deleted() {
		return 0, vault.ErrNotFound
	}
	version, err := s.manager.Rotate(ctx, actor, name, value, s.grace)
	if err != nil {
		metrics.RotationsTotal.WithLabelValues(string(entry.Type), "error").Inc()
		return 0, err
	}
	metrics.RotationsTotal.WithLabelValues(string(entry.Type), "success").Inc()
	s.runHooks(ctx, name, entry.Type, version)
	return version, nil
}

// Sweep rotates everything CheckDue reports. Each credential is
// attempted independently with a short retry; one failure never stops
// the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*Result, error) {
	res := &Result{Failed: make(map[string]error)}

	var iterErr error
	s.CheckDue(ctx)(func(due Due, err error) bool {
		if err != nil {
			iterErr = err
			return false
		}
		if due.Manual {
			res.ManualRequired = append(res.ManualRequired, due.Name)
			metrics.RotationsTotal.WithLabelValues(string(due.Type), "manual_required").Inc()
			s.log.Warn("credential overdue, manual rotation required",
				"name", due.Name, "type", due.Type, "overdue", due.Overdue)
			return true
		}

		err = retry.Call(retry.CallArgs{
			Func: func() error {
				_, err := s.Rotate(ctx, due.Name)
				return err
			},
			IsFatalError: func(err error) bool {
				// NotFound and policy errors will not heal on retry.
				return !errors.Is(err, vault.ErrTimeout)
			},
			Attempts: 3,
			Delay:    time.Second,
			Clock:    s.clock,
			Stop:     ctx.Done(),
		})
		if err != nil {
			res.Failed[due.Name] = err
			s.log.Error("rotation failed", "name", due.Name, "error", err)
			return true
		}
		res.Rotated = append(res.Rotated, due.Name)
		return true
	})
	if iterErr != nil {
		return res, iterErr
	}

	s.log.Info("rotation sweep finished",
		"rotated", len(res.Rotated), "manual", len(res.ManualRequired), "failed", len(res.Failed))
	return res, nil
}

// EmergencyRotateAll rotates every live auto-rotatable credential
// immediately, regardless of age. Used after a suspected compromise;
// reason is carried into the log for later correlation.
func (s *Scheduler) EmergencyRotateAll(ctx context.Context, reason string) (*Result, error) {
	entries, err := s.store.ListCatalog()
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}

	s.log.Warn("emergency rotation started", "reason", reason)

	res := &Result{Failed: make(map[string]error)}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if e.Deleted() {
			continue
		}
		if manualType(e.Type) {
			res.ManualRequired = append(res.ManualRequired, e.Name)
			continue
		}
		if _, err := s.Rotate(ctx, e.Name); err != nil {
			res.Failed[e.Name] = err
			continue
		}
		res.Rotated = append(res.Rotated, e.Name)
	}

	s.log.Warn("emergency rotation finished", "reason", reason,
		"rotated", len(res.Rotated), "manual", len(res.ManualRequired), "failed", len(res.Failed))
	return res, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	timer := s.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("rotation sweep failed", "error", err)
			}
			timer.Reset(interval)
		}
	}
}

func (s *Scheduler) runHooks(ctx context.Context, name string, typ store.CredentialType, version int) {
	for _, h := range s.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("rotation hook panicked", "name", name, "panic", r)
				}
			}()
			h(ctx, name, typ, version)
		}()
	}
}

// manualType reports whether a type's secret material cannot be
// machine-generated.
func manualType(typ store.CredentialType) bool {
	return typ == store.TypeCertificate || typ == store.TypeServiceAccount
}

const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

// generateValue produces fresh secret material for an auto-rotatable
// type.
func generateValue(typ store.CredentialType) ([]byte, error) {
	switch typ {
	case store.TypeAPIKey:
		s, err := crypto.GenerateTokenString(24)
		if err != nil {
			return nil, err
		}
		return []byte("tv-" + s), nil
	case store.TypeJWTSecret:
		s, err := crypto.GenerateTokenString(64)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case store.TypeDatabase, store.TypeWebhook:
		raw, err := crypto.GenerateToken(24)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(raw))
		for i, b := range raw {
			out[i] = passwordCharset[int(b)%len(passwordCharset)]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("no generator for credential type %q", typ)
	}
}
