// Package audit records the immutable event trail. Every store, access
// and break-glass operation writes exactly one entry here before it is
// considered complete: if the audit write fails, the triggering
// operation must itself fail (fail-closed).
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/teamvault-io/teamvault/internal/store"
)

// Action names recorded in the audit trail.
const (
	ActionCredentialCreate = "credential.create"
	ActionCredentialRead   = "credential.read"
	ActionCredentialUpdate = "credential.update"
	ActionCredentialDelete = "credential.delete"
	ActionCredentialRotate = "credential.rotate"
	ActionCredentialList   = "credential.list"
	ActionPolicyGrant      = "policy.grant"
	ActionPolicyRevoke     = "policy.revoke"
	ActionBreakGlassCreate = "breakglass.create"
	ActionBreakGlassRedeem = "breakglass.redeem"
	ActionEmergencyRead    = "breakglass.read"
)

// Outcomes recorded in the audit trail.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
	OutcomeExpired = "expired"
	OutcomeInvalid = "invalid"
)

// partitionLayout buckets events by calendar day.
const partitionLayout = "2006-01-02"

// Event is one audit trail entry as supplied by callers; the recorder
// fills in ID and Timestamp.
type Event struct {
	ActorTeam      string
	CredentialName string
	Action         string
	Outcome        string
	Detail         string
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	Team       string
	Credential string
	From       time.Time
	To         time.Time
	Outcome    string
}

// Recorder appends events to the store and serves ordered queries.
type Recorder struct {
	store store.Store
	clock clock.Clock
	seq   atomic.Uint64
	log   *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(s store.Store, clk clock.Clock) *Recorder {
	return &Recorder{
		store: s,
		clock: clk,
		log:   slog.Default().With("component", "audit"),
	}
}

// Record synchronously appends one event. The (timestamp, sequence,
// uuid) key is monotonic per process so entries are totally ordered
// even when several arrive in the same nanosecond.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	rec := &store.AuditRecord{
		ID:             uuid.New().String(),
		Timestamp:      now,
		ActorTeam:      ev.ActorTeam,
		CredentialName: ev.CredentialName,
		Action:         ev.Action,
		Outcome:        ev.Outcome,
		Detail:         ev.Detail,
	}

	seq := r.seq.Add(1)
	key := fmt.Sprintf("%020d_%012d_%s", now.UnixNano(), seq, rec.ID)
	partition := now.Format(partitionLayout)

	if err := r.store.AppendAudit(partition, key, rec); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Query returns events matching the filter in ascending timestamp
// order as a lazy, finite, restartable sequence. Partitions are read
// one day at a time so no store transaction is held between yields;
// iteration stops early on context cancellation or when the consumer
// breaks.
func (r *Recorder) Query(ctx context.Context, f Filter) func(yield func(*store.AuditRecord, error) bool) {
	return func(yield func(*store.AuditRecord, error) bool) {
		partitions, err := r.store.ListAuditPartitions()
		if err != nil {
			yield(nil, fmt.Errorf("list audit partitions: %w", err))
			return
		}

		for _, p := range partitions {
			if ctx.Err() != nil {
				return
			}
			if skip, err := partitionOutOfRange(p, f); err != nil {
				yield(nil, err)
				return
			} else if skip {
				continue
			}

			recs, err := r.store.ListAudit(p)
			if err != nil {
				yield(nil, fmt.Errorf("read audit partition %s: %w", p, err))
				return
			}
			for _, rec := range recs {
				if ctx.Err() != nil {
					return
				}
				if !f.matches(rec) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// Cleanup drops whole partitions strictly older than the retention
// window. Individual records are never deleted.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := r.clock.Now().UTC().Add(-retention).Format(partitionLayout)

	partitions, err := r.store.ListAuditPartitions()
	if err != nil {
		return 0, fmt.Errorf("list audit partitions: %w", err)
	}

	removed := 0
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if p >= cutoff {
			break
		}
		if err := r.store.DeleteAuditPartition(p); err != nil {
			return removed, fmt.Errorf("delete audit partition %s: %w", p, err)
		}
		removed++
	}
	if removed > 0 {
		r.log.Info("audit retention cleanup", "partitions_removed", removed)
	}
	return removed, nil
}

// partitionOutOfRange reports whether a whole day partition falls
// outside the filter's date range.
func partitionOutOfRange(partition string, f Filter) (bool, error) {
	day, err := time.Parse(partitionLayout, partition)
	if err != nil {
		return false, fmt.Errorf("malformed audit partition %q: %w", partition, err)
	}
	if !f.From.IsZero() && day.Add(24*time.Hour).Before(f.From) {
		return true, nil
	}
	if !f.To.IsZero() && day.After(f.To) {
		return true, nil
	}
	return false, nil
}

func (f Filter) matches(rec *store.AuditRecord) bool {
	if f.Team != "" && rec.ActorTeam != f.Team {
		return false
	}
	if f.Credential != "" && rec.CredentialName != f.Credential {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}
