// Package access implements team-scoped access policy over the
// credential catalog: an ordered rule list with wildcard patterns,
// first-match-wins evaluation with a most-specific tie-break, and
// default deny.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/teamvault-io/teamvault/internal/audit"
	"github.com/teamvault-io/teamvault/internal/store"
)

// Actions a policy rule can allow.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionRotate = "rotate"
	ActionAll    = "*"
)

var (
	// ErrAccessDenied is returned on any policy denial. It is identical
	// whether or not the credential exists, so a denied caller learns
	// nothing about catalog contents.
	ErrAccessDenied = errors.New("access denied")

	// ErrRuleNotFound is returned when revoking a rule that is not in
	// the policy table.
	ErrRuleNotFound = errors.New("policy rule not found")
)

// Engine evaluates and mutates the access policy table. Policy rules
// live in the store; a cached copy is kept under a read-write mutex so
// Check never touches disk.
type Engine struct {
	store    store.Store
	recorder *audit.Recorder
	log      *slog.Logger

	// executiveTeam matches every credential name for read.
	executiveTeam string
	// adminTeam is the only team allowed to mutate the policy table.
	adminTeam string

	mu    sync.RWMutex
	rules []store.PolicyRule
}

// NewEngine loads the policy table and returns a ready Engine.
func NewEngine(s store.Store, rec *audit.Recorder, executiveTeam, adminTeam string) (*Engine, error) {
	rules, err := s.GetPolicy()
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return &Engine{
		store:         s,
		recorder:      rec,
		log:           slog.Default().With("component", "access"),
		executiveTeam: executiveTeam,
		adminTeam:     adminTeam,
		rules:         rules,
	}, nil
}

// Check evaluates (team, credential, action) against the policy table.
// Evaluation order:
//
//  1. a credential with no owning team is readable by every team; an
//     owned credential implicitly allows its owning team every action
//  2. the admin team is allowed every action, the executive team read
//  3. ordered rules, most specific match wins, earlier rule wins ties
//  4. default deny
//
// A sub-team ("marketing.social") inherits the rules of its ancestors
// ("marketing"). For a fixed policy table the decision is
// deterministic. Check itself does not audit; callers audit denials
// unconditionally before surfacing ErrAccessDenied.
func (e *Engine) Check(team, credential, action string) error {
	if team == "" {
		return ErrAccessDenied
	}

	// Implicit access. A credential with no owning team is global:
	// any team may read it without a rule. An owned credential allows
	// its owning team (and sub-teams) every action. Tombstoned entries
	// still grant the allowance so a deleted credential surfaces as
	// not-found to those who could read it, not as a policy denial. A
	// missing catalog entry is treated the same as a non-owned one:
	// pure policy denial never reveals whether the credential exists.
	if entry, err := e.store.GetCatalogEntry(credential); err == nil {
		if entry.OwnerTeam == "" {
			if action == ActionRead {
				return nil
			}
		} else if TeamCovered(team, entry.OwnerTeam) {
			return nil
		}
	}

	// The admin team administers the vault and is allowed every action;
	// the executive team is allowed read on every name.
	if TeamCovered(team, e.adminTeam) {
		return nil
	}
	if action == ActionRead && TeamCovered(team, e.executiveTeam) {
		return nil
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	if bestMatch(rules, team, credential, action) >= 0 {
		return nil
	}
	return ErrAccessDenied
}

// Grant appends a rule to the policy table. Only the admin team may
// mutate policy; the mutation (or its denial) is audited before the
// result is returned.
func (e *Engine) Grant(ctx context.Context, actorTeam string, rule store.PolicyRule) error {
	detail := fmt.Sprintf("team=%s credential=%s actions=%s",
		rule.TeamPattern, rule.CredentialPattern, strings.Join(rule.Actions, ","))

	if !TeamCovered(actorTeam, e.adminTeam) {
		if err := e.recorder.Record(ctx, audit.Event{
			ActorTeam: actorTeam,
			Action:    audit.ActionPolicyGrant,
			Outcome:   audit.OutcomeDenied,
			Detail:    detail,
		}); err != nil {
			return err
		}
		return ErrAccessDenied
	}

	e.mu.Lock()
	updated := append(append([]store.PolicyRule{}, e.rules...), rule)
	if err := e.store.SetPolicy(updated); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persist policy: %w", err)
	}
	e.rules = updated
	e.mu.Unlock()

	if err := e.recorder.Record(ctx, audit.Event{
		ActorTeam: actorTeam,
		Action:    audit.ActionPolicyGrant,
		Outcome:   audit.OutcomeSuccess,
		Detail:    detail,
	}); err != nil {
		return err
	}
	e.log.Info("policy rule granted", "actor", actorTeam, "rule", detail)
	return nil
}

// Revoke removes the first rule equal to the given rule. Only the
// admin team may mutate policy.
func (e *Engine) Revoke(ctx context.Context, actorTeam string, rule store.PolicyRule) error {
	detail := fmt.Sprintf("team=%s credential=%s actions=%s",
		rule.TeamPattern, rule.CredentialPattern, strings.Join(rule.Actions, ","))

	if !TeamCovered(actorTeam, e.adminTeam) {
		if err := e.recorder.Record(ctx, audit.Event{
			ActorTeam: actorTeam,
			Action:    audit.ActionPolicyRevoke,
			Outcome:   audit.OutcomeDenied,
			Detail:    detail,
		}); err != nil {
			return err
		}
		return ErrAccessDenied
	}

	e.mu.Lock()
	idx := -1
	for i, r := range e.rules {
		if sameRule(r, rule) {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return ErrRuleNotFound
	}
	updated := append(append([]store.PolicyRule{}, e.rules[:idx]...), e.rules[idx+1:]...)
	if err := e.store.SetPolicy(updated); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persist policy: %w", err)
	}
	e.rules = updated
	e.mu.Unlock()

	if err := e.recorder.Record(ctx, audit.Event{
		ActorTeam: actorTeam,
		Action:    audit.ActionPolicyRevoke,
		Outcome:   audit.OutcomeSuccess,
		Detail:    detail,
	}); err != nil {
		return err
	}
	e.log.Info("policy rule revoked", "actor", actorTeam, "rule", detail)
	return nil
}

// Rules returns a copy of the current ordered rule list.
func (e *Engine) Rules() []store.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]store.PolicyRule{}, e.rules...)
}

// Bootstrap installs seed rules if and only if the policy table is
// empty, so a restart never clobbers operator changes.
func (e *Engine) Bootstrap(seed []store.PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rules) > 0 || len(seed) == 0 {
		return nil
	}
	if err := e.store.SetPolicy(seed); err != nil {
		return fmt.Errorf("persist seed policy: %w", err)
	}
	e.rules = append([]store.PolicyRule{}, seed...)
	e.log.Info("seed policy installed", "rules", len(seed))
	return nil
}

// bestMatch returns the index of the winning rule, or -1. The total
// order for overlapping rules: higher combined specificity wins;
// specificity compares total non-wildcard literal length first, then
// fewer '*' wildcards; remaining ties go to the earlier rule.
func bestMatch(rules []store.PolicyRule, team, credential, action string) int {
	best := -1
	bestLit, bestWild := -1, 0
	for i, r := range rules {
		if !TeamCovered(team, r.TeamPattern) {
			continue
		}
		if !MatchPattern(r.CredentialPattern, credential) {
			continue
		}
		if !actionAllowed(r.Actions, action) {
			continue
		}
		lit := literalLen(r.TeamPattern) + literalLen(r.CredentialPattern)
		wild := wildcards(r.TeamPattern) + wildcards(r.CredentialPattern)
		if best == -1 || lit > bestLit || (lit == bestLit && wild < bestWild) {
			best, bestLit, bestWild = i, lit, wild
		}
	}
	return best
}

// TeamCovered reports whether the team or any of its dot-separated
// ancestors matches the pattern ("marketing.social" is covered by
// "marketing").
func TeamCovered(team, pattern string) bool {
	for {
		if MatchPattern(pattern, team) {
			return true
		}
		idx := strings.LastIndex(team, ".")
		if idx < 0 {
			return false
		}
		team = team[:idx]
	}
}

func actionAllowed(actions []string, action string) bool {
	for _, a := range actions {
		if a == ActionAll || a == action {
			return true
		}
	}
	return false
}

// MatchPattern matches name against a pattern where '*' matches any
// run of characters (including empty). No other metacharacters.
func MatchPattern(pattern, name string) bool {
	if pattern == ActionAll {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(name, part)
		if idx < 0 {
			return false
		}
		name = name[idx+len(part):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}

func literalLen(pattern string) int {
	return len(strings.ReplaceAll(pattern, "*", ""))
}

func wildcards(pattern string) int {
	return strings.Count(pattern, "*")
}

func sameRule(a, b store.PolicyRule) bool {
	if a.TeamPattern != b.TeamPattern || a.CredentialPattern != b.CredentialPattern {
		return false
	}
	if len(a.Actions) != len(b.Actions) {
		return false
	}
	for i := range a.Actions {
		if a.Actions[i] != b.Actions[i] {
			return false
		}
	}
	return true
}
