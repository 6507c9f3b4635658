// Package breakglass implements bounded, single-use emergency access.
// A token is a cryptographically random value handed out once at
// creation and stored only as a SHA-256 hash. Its lifecycle is
// Created -> {Redeemed | Expired}; both end states are terminal.
package breakglass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/teamvault-io/teamvault/internal/access"
	"github.com/teamvault-io/teamvault/internal/audit"
	"github.com/teamvault-io/teamvault/internal/crypto"
	"github.com/teamvault-io/teamvault/internal/metrics"
	"github.com/teamvault-io/teamvault/internal/store"
	"github.com/teamvault-io/teamvault/internal/validation"
)

// tokenBytes is the entropy of a break-glass token.
const tokenBytes = 32

var (
	// ErrTokenInvalid is returned for every redemption failure:
	// unknown, expired, already redeemed, or out of scope. The caller
	// cannot tell which; the audit entry records the precise cause.
	ErrTokenInvalid = errors.New("break-glass token invalid")

	// errScope aborts a redemption inside the store transaction when
	// the token's scope does not cover the requested credential.
	errScope = errors.New("token scope does not cover credential")
)

// AlertKind classifies high-severity alert callbacks.
type AlertKind string

const (
	AlertTokenCreated  AlertKind = "token_created"
	AlertTokenRedeemed AlertKind = "token_redeemed"
	AlertRedeemFailed  AlertKind = "redeem_failed"
)

// AlertEvent is delivered to the alert sink on break-glass activity.
type AlertEvent struct {
	Kind    AlertKind
	TokenID string
	Actor   string
	Reason  string
	Detail  string
	Time    time.Time
}

// AlertFunc is the external alerting sink. It must not block; the
// alerting implementation itself is outside the vault core.
type AlertFunc func(AlertEvent)

// Grant is the proof of a successful redemption. It entitles the
// holder to emergency reads within the token's scope.
type Grant struct {
	TokenID    string
	RedeemedBy string
	Scope      string // credential name pattern; empty = all
	ExpiresAt  time.Time
}

// Covers reports whether the grant's scope includes a credential name.
func (g *Grant) Covers(name string) bool {
	return g.Scope == "" || access.MatchPattern(g.Scope, name)
}

// Registry manages break-glass tokens.
type Registry struct {
	store    store.Store
	recorder *audit.Recorder
	clock    clock.Clock
	alert    AlertFunc
	log      *slog.Logger

	defaultDuration time.Duration
	maxDuration     time.Duration
}

// NewRegistry creates a Registry. alert may be nil.
func NewRegistry(s store.Store, rec *audit.Recorder, clk clock.Clock, alert AlertFunc, defaultDuration, maxDuration time.Duration) *Registry {
	return &Registry{
		store:           s,
		recorder:        rec,
		clock:           clk,
		alert:           alert,
		log:             slog.Default().With("component", "breakglass"),
		defaultDuration: defaultDuration,
		maxDuration:     maxDuration,
	}
}

// CreateToken mints a new single-use token. The returned string is the
// only time the token value exists outside memory; the registry keeps
// its hash. Creation is a high-severity audited event and fires the
// alert sink.
func (r *Registry) CreateToken(ctx context.Context, createdBy, reason string, duration time.Duration, scope string) (string, *store.TokenRecord, error) {
	if err := validation.TeamName(createdBy); err != nil {
		return "", nil, fmt.Errorf("invalid creator: %w", err)
	}
	if err := validation.Reason(reason); err != nil {
		return "", nil, err
	}
	if duration <= 0 {
		duration = r.defaultDuration
	}
	if duration > r.maxDuration {
		duration = r.maxDuration
	}

	token, err := crypto.GenerateTokenString(tokenBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	hash := crypto.HashTokenString(token)

	now := r.clock.Now().UTC()
	rec := &store.TokenRecord{
		TokenID:   uuid.New().String(),
		CreatedBy: createdBy,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
		Scope:     scope,
	}
	if err := r.store.PutToken(hash, rec); err != nil {
		return "", nil, fmt.Errorf("store token: %w", err)
	}

	// Fail closed: the token does not outlive a failed audit write.
	if err := r.recorder.Record(ctx, audit.Event{
		ActorTeam: createdBy,
		Action:    audit.ActionBreakGlassCreate,
		Outcome:   audit.OutcomeSuccess,
		Detail:    fmt.Sprintf("token_id=%s reason=%q scope=%q expires=%s", rec.TokenID, reason, scope, rec.ExpiresAt.Format(time.RFC3339)),
	}); err != nil {
		if delErr := r.store.DeleteToken(hash); delErr != nil {
			r.log.Error("rollback of unaudited token failed", "token_id", rec.TokenID, "error", delErr)
		}
		return "", nil, err
	}

	metrics.BreakGlassEventsTotal.WithLabelValues("created").Inc()
	r.log.Warn("break-glass token created",
		"token_id", rec.TokenID, "created_by", createdBy, "reason", reason, "scope", scope)
	r.fireAlert(AlertEvent{
		Kind:    AlertTokenCreated,
		TokenID: rec.TokenID,
		Actor:   createdBy,
		Reason:  reason,
		Time:    now,
	})

	return token, rec, nil
}

// Redeem validates and consumes a token for emergency access to the
// named credential. The used flag is flipped by an atomic test-and-set
// inside a single store transaction, so of N concurrent redemptions of
// one token exactly one succeeds. Every failure surfaces as
// ErrTokenInvalid; the audit entry and alert carry the real cause.
func (r *Registry) Redeem(ctx context.Context, redeemedBy, token, credential string) (*Grant, error) {
	hash := crypto.HashTokenString(token)
	now := r.clock.Now().UTC()

	rec, err := r.store.RedeemToken(hash, redeemedBy, now, func(tr *store.TokenRecord) error {
		if tr.Scope != "" && credential != "" && !access.MatchPattern(tr.Scope, credential) {
			return errScope
		}
		return nil
	})
	if err != nil {
		cause, outcome := redeemFailure(err)
		if cause == "" {
			return nil, fmt.Errorf("redeem token: %w", err)
		}

		tokenID := "unknown"
		if rec != nil {
			tokenID = rec.TokenID
		} else if known, lookErr := r.store.GetToken(hash); lookErr == nil {
			tokenID = known.TokenID
		}

		if auditErr := r.recorder.Record(ctx, audit.Event{
			ActorTeam:      redeemedBy,
			CredentialName: credential,
			Action:         audit.ActionBreakGlassRedeem,
			Outcome:        outcome,
			Detail:         fmt.Sprintf("token_id=%s cause=%s", tokenID, cause),
		}); auditErr != nil {
			return nil, auditErr
		}

		metrics.BreakGlassEventsTotal.WithLabelValues("redeem_failed").Inc()
		r.log.Error("break-glass redemption failed",
			"token_id", tokenID, "redeemed_by", redeemedBy, "cause", cause)
		r.fireAlert(AlertEvent{
			Kind:    AlertRedeemFailed,
			TokenID: tokenID,
			Actor:   redeemedBy,
			Detail:  cause,
			Time:    now,
		})
		return nil, ErrTokenInvalid
	}

	if err := r.recorder.Record(ctx, audit.Event{
		ActorTeam:      redeemedBy,
		CredentialName: credential,
		Action:         audit.ActionBreakGlassRedeem,
		Outcome:        audit.OutcomeSuccess,
		Detail:         fmt.Sprintf("token_id=%s created_by=%s reason=%q", rec.TokenID, rec.CreatedBy, rec.Reason),
	}); err != nil {
		return nil, err
	}

	metrics.BreakGlassEventsTotal.WithLabelValues("redeemed").Inc()
	r.log.Warn("break-glass token redeemed",
		"token_id", rec.TokenID, "redeemed_by", redeemedBy,
		"created_by", rec.CreatedBy, "reason", rec.Reason)
	r.fireAlert(AlertEvent{
		Kind:    AlertTokenRedeemed,
		TokenID: rec.TokenID,
		Actor:   redeemedBy,
		Reason:  rec.Reason,
		Time:    now,
	})

	return &Grant{
		TokenID:    rec.TokenID,
		RedeemedBy: redeemedBy,
		Scope:      rec.Scope,
		ExpiresAt:  rec.ExpiresAt,
	}, nil
}

// CleanupExpired removes expired tokens that were never redeemed.
// Redeemed tokens are kept for the audit trail.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed, err := r.store.DeleteExpiredTokens(r.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	if removed > 0 {
		r.log.Info("expired break-glass tokens removed", "count", removed)
	}
	return removed, nil
}

// redeemFailure maps a store redemption error to an audit cause and
// outcome. An empty cause means the error was infrastructural, not a
// token-state failure.
func redeemFailure(err error) (cause, outcome string) {
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		return "unknown_token", audit.OutcomeInvalid
	case errors.Is(err, store.ErrTokenUsed):
		return "already_redeemed", audit.OutcomeInvalid
	case errors.Is(err, store.ErrTokenExpired):
		return "expired", audit.OutcomeExpired
	case errors.Is(err, errScope):
		return "out_of_scope", audit.OutcomeInvalid
	}
	return "", ""
}

func (r *Registry) fireAlert(ev AlertEvent) {
	if r.alert != nil {
		r.alert(ev)
	}
}
