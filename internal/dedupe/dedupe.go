// Package dedupe detects records that represent the same real-world event
// and plans their merge.
//
// Matching goes by content key, never by identifier alone: the local copy
// of a dose logged offline and the remote copy pushed by a previous session
// carry different identifiers but identical content keys. When two matching
// records differ in completeness, the record with more populated optional
// fields wins; on a tie the copy that has round-tripped through the remote
// service wins. The rules are deterministic given the same two inputs, so
// replaying a merge is idempotent.
package dedupe

import (
	"sort"

	"github.com/pmeredith/dosetrack/internal/record"
)

// TombstoneChecker is the slice of the tombstone tracker the deduplicator
// needs: incoming records matching an unexpired tombstone are dropped
// entirely.
type TombstoneChecker interface {
	IsTombstoned(entityID string) bool
	IsKeyTombstoned(key string) bool
}

// SkipReason explains why an incoming record was left out of the merge.
type SkipReason string

const (
	// SkipTombstoned means the record matched an unexpired tombstone.
	SkipTombstoned SkipReason = "tombstoned"

	// SkipDominated means an existing record for the same event carried a
	// higher completeness score.
	SkipDominated SkipReason = "dominated"

	// SkipUnchanged means the incoming record adds nothing to the
	// existing copy.
	SkipUnchanged SkipReason = "unchanged"
)

// Update replaces the record stored under LocalID with Record.
type Update struct {
	LocalID string
	Record  record.Record
}

// Skip is an incoming record excluded from the merge.
type Skip struct {
	Record record.Record
	Reason SkipReason
}

// MergePlan is the result of deduplicating a batch against the store. The
// caller applies Inserts and Updates; Skipped is informational.
type MergePlan struct {
	Inserts []record.Record
	Updates []Update
	Skipped []Skip
}

// Plan deduplicates incoming against existing. The incoming batch is also
// deduplicated against itself, so feeding the same event twice yields one
// insert. The plan is deterministic for a given pair of input sets
// regardless of slice order.
func Plan(incoming, existing []record.Record, tombs TombstoneChecker) MergePlan {
	var plan MergePlan

	byKey := make(map[string]record.Record, len(existing))
	byRemote := make(map[string]record.Record, len(existing))
	for _, ex := range existing {
		byKey[ex.ContentKey()] = ex
		if ex.RemoteID != "" {
			byRemote[ex.RemoteID] = ex
		}
	}

	// Sorted working copy: winner selection is order-independent by
	// construction, but plan ordering should be stable too.
	batch := make([]record.Record, len(incoming))
	copy(batch, incoming)
	sort.Slice(batch, func(i, j int) bool {
		ki, kj := batch[i].ContentKey(), batch[j].ContentKey()
		if ki != kj {
			return ki < kj
		}
		return batch[i].Identifier() < batch[j].Identifier()
	})

	planned := make(map[string]int, len(batch)) // content key -> index into plan.Inserts

	for _, in := range batch {
		if tombs != nil &&
			(tombs.IsTombstoned(in.RemoteID) || tombs.IsTombstoned(in.LocalID) || tombs.IsKeyTombstoned(in.ContentKey())) {
			plan.Skipped = append(plan.Skipped, Skip{Record: in, Reason: SkipTombstoned})
			continue
		}

		key := in.ContentKey()

		// Replay of an already-synced record: match by remote id first.
		var ex record.Record
		var matched, sameRemote bool
		if in.RemoteID != "" {
			ex, matched = byRemote[in.RemoteID]
			sameRemote = matched
		}
		if !matched {
			ex, matched = byKey[key]
		}

		if matched {
			merged, changed := merge(ex, in, sameRemote)
			if !changed {
				reason := SkipUnchanged
				if in.CompletenessScore() < ex.CompletenessScore() {
					reason = SkipDominated
				}
				plan.Skipped = append(plan.Skipped, Skip{Record: in, Reason: reason})
				continue
			}
			plan.Updates = append(plan.Updates, Update{LocalID: ex.LocalID, Record: merged})
			byKey[merged.ContentKey()] = merged
			if merged.RemoteID != "" {
				byRemote[merged.RemoteID] = merged
			}
			continue
		}

		// Duplicate within the incoming batch itself.
		if i, ok := planned[key]; ok {
			winner := choose(plan.Inserts[i], in)
			loser := in
			if winner.Identifier() == in.Identifier() {
				loser = plan.Inserts[i]
				plan.Inserts[i] = winner
			}
			plan.Skipped = append(plan.Skipped, Skip{Record: loser, Reason: SkipDominated})
			continue
		}

		planned[key] = len(plan.Inserts)
		plan.Inserts = append(plan.Inserts, in)
	}

	return plan
}

// merge combines an existing record with an incoming copy of the same
// event. The payload comes from the winner; identifiers are pooled so the
// result keeps the existing local id and gains a remote id from whichever
// side has one. When both copies carry the same remote id but their key
// fields diverge, the remote service has edited the record and its copy is
// taken wholesale. Returns the merged record and whether it differs from
// the existing copy.
func merge(existing, incoming record.Record, sameRemote bool) (record.Record, bool) {
	winner := choose(existing, incoming)
	if sameRemote && existing.ContentKey() != incoming.ContentKey() {
		winner = incoming
	}

	merged := winner
	merged.LocalID = existing.LocalID
	merged.CreatedAt = existing.CreatedAt
	merged.RemoteID = existing.RemoteID
	if merged.RemoteID == "" {
		merged.RemoteID = incoming.RemoteID
	}
	if merged.RemoteID != "" {
		merged.SyncState = record.StateSynced
	} else {
		merged.SyncState = existing.SyncState
	}

	changed := merged.RemoteID != existing.RemoteID ||
		merged.SyncState != existing.SyncState ||
		!merged.Timestamp.Equal(existing.Timestamp) ||
		merged.Quantity != existing.Quantity ||
		merged.Site != existing.Site ||
		merged.Notes != existing.Notes ||
		merged.LotNumber != existing.LotNumber ||
		merged.RefID != existing.RefID ||
		merged.BodyFatPct != existing.BodyFatPct
	return merged, changed
}

// choose picks the winner between two records for the same event:
// higher completeness score, then remote origin, then the smaller
// identifier so the result never depends on input order.
func choose(a, b record.Record) record.Record {
	sa, sb := a.CompletenessScore(), b.CompletenessScore()
	if sa != sb {
		if sa > sb {
			return a
		}
		return b
	}

	// Tie: prefer the copy that has round-tripped through the remote
	// store.
	if (a.RemoteID != "") != (b.RemoteID != "") {
		if a.RemoteID != "" {
			return a
		}
		return b
	}

	if a.Identifier() <= b.Identifier() {
		return a
	}
	return b
}
