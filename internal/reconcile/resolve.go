package reconcile

import (
	"fmt"
	"strings"

	"github.com/kuitang/notesync/internal/notes"
)

// TieBreak picks the winner when both sides modified a note at the same
// millisecond.
type TieBreak int

const (
	LocalWins TieBreak = iota
	RemoteWins
)

func (t TieBreak) String() string {
	if t == RemoteWins {
		return "remote"
	}
	return "local"
}

// DeleteConflict picks the outcome when one side deleted a note the other
// side modified.
type DeleteConflict int

const (
	// ModifyWins sends the note back to the deleting side.
	ModifyWins DeleteConflict = iota
	// DeleteWins propagates the delete over the modification.
	DeleteWins
)

func (d DeleteConflict) String() string {
	if d == DeleteWins {
		return "delete-wins"
	}
	return "modify-wins"
}

// Policy holds the resolver's configurable choices. The zero value is the
// default: local wins ties, modifications win over deletes.
type Policy struct {
	TieBreak       TieBreak
	DeleteConflict DeleteConflict
}

// ParsePolicy parses the configuration spelling of a policy. Empty strings
// select the defaults.
func ParsePolicy(tieBreak, deleteConflict string) (Policy, error) {
	var p Policy
	switch strings.ToLower(strings.TrimSpace(tieBreak)) {
	case "", "local":
		p.TieBreak = LocalWins
	case "remote":
		p.TieBreak = RemoteWins
	default:
		return Policy{}, fmt.Errorf("unknown tie break %q (want local or remote)", tieBreak)
	}
	switch strings.ToLower(strings.TrimSpace(deleteConflict)) {
	case "", "modify-wins":
		p.DeleteConflict = ModifyWins
	case "delete-wins":
		p.DeleteConflict = DeleteWins
	default:
		return Policy{}, fmt.Errorf("unknown delete policy %q (want modify-wins or delete-wins)", deleteConflict)
	}
	return p, nil
}

// Plan is what one cycle moves in each direction.
type Plan struct {
	// ToLocal holds remote versions to store locally.
	ToLocal []notes.Note
	// ToLocalDeletes holds deletes to record locally.
	ToLocalDeletes []notes.Tombstone
	// ToRemote holds local versions to upload.
	ToRemote []notes.Note
	// ToRemoteDeletes holds local tombstones to push; Revision is the token
	// the remote delete presents.
	ToRemoteDeletes []notes.Tombstone
	// Settled lists ids deleted on both sides.
	Settled []string
	// Adopt holds local notes whose text already equals the remote copy;
	// Revision is the remote one.
	Adopt []notes.Note
	// Conflicts counts ids changed on both sides with differing outcomes.
	Conflicts int
}

// Empty reports whether the plan moves nothing.
func (p Plan) Empty() bool {
	return len(p.ToLocal) == 0 && len(p.ToLocalDeletes) == 0 &&
		len(p.ToRemote) == 0 && len(p.ToRemoteDeletes) == 0 &&
		len(p.Settled) == 0 && len(p.Adopt) == 0
}

// Resolve compares the two deltas id by id. It is pure: the same inputs
// always produce the same plan, in the scan order remote.Modified,
// local.Modified, remote.Deleted, local.Deleted.
func Resolve(local, remote notes.Delta, p Policy) Plan {
	localMod := make(map[string]notes.Note, len(local.Modified))
	for _, n := range local.Modified {
		localMod[n.ID] = n
	}
	localDel := make(map[string]notes.Tombstone, len(local.Deleted))
	for _, t := range local.Deleted {
		localDel[t.ID] = t
	}
	remoteDel := make(map[string]notes.Tombstone, len(remote.Deleted))
	for _, t := range remote.Deleted {
		remoteDel[t.ID] = t
	}

	var plan Plan
	seen := make(map[string]bool, len(localMod)+len(remote.Modified))

	for _, r := range remote.Modified {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true

		if l, ok := localMod[r.ID]; ok {
			resolveBothModified(&plan, l, r, p)
			continue
		}
		if lt, ok := localDel[r.ID]; ok {
			plan.Conflicts++
			if p.DeleteConflict == DeleteWins {
				plan.ToRemoteDeletes = append(plan.ToRemoteDeletes, notes.Tombstone{
					ID:        r.ID,
					DeletedAt: lt.DeletedAt,
					Revision:  r.Revision,
					State:     lt.State,
				})
				continue
			}
			plan.ToLocal = append(plan.ToLocal, r)
			continue
		}
		plan.ToLocal = append(plan.ToLocal, r)
	}

	for _, l := range local.Modified {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true

		rt, ok := remoteDel[l.ID]
		switch {
		case !ok:
			plan.ToRemote = append(plan.ToRemote, l)
		case !l.EverSynced():
			// Never uploaded: the remote tombstone cannot be about this note.
			plan.ToRemote = append(plan.ToRemote, l)
		case p.DeleteConflict == DeleteWins:
			plan.Conflicts++
			deletedAt := rt.DeletedAt
			if l.UpdatedAt.After(deletedAt) {
				deletedAt = l.UpdatedAt
			}
			plan.ToLocalDeletes = append(plan.ToLocalDeletes, notes.Tombstone{ID: l.ID, DeletedAt: deletedAt, Revision: rt.Revision})
		default:
			plan.Conflicts++
			plan.ToRemote = append(plan.ToRemote, l)
		}
	}

	for _, rt := range remote.Deleted {
		if seen[rt.ID] {
			continue
		}
		seen[rt.ID] = true

		if _, ok := localDel[rt.ID]; ok {
			plan.Settled = append(plan.Settled, rt.ID)
			continue
		}
		plan.ToLocalDeletes = append(plan.ToLocalDeletes, rt)
	}

	for _, lt := range local.Deleted {
		if seen[lt.ID] {
			continue
		}
		seen[lt.ID] = true
		plan.ToRemoteDeletes = append(plan.ToRemoteDeletes, lt)
	}

	return plan
}

func resolveBothModified(plan *Plan, l, r notes.Note, p Policy) {
	if l.Text == r.Text {
		adopted := l
		adopted.Revision = r.Revision
		plan.Adopt = append(plan.Adopt, adopted)
		return
	}
	plan.Conflicts++

	remoteNewer := r.UpdatedAt.After(l.UpdatedAt)
	if r.UpdatedAt.Equal(l.UpdatedAt) {
		remoteNewer = p.TieBreak == RemoteWins
	}
	if remoteNewer {
		plan.ToLocal = append(plan.ToLocal, r)
		return
	}
	// The upload replaces the version the resolver saw.
	l.Revision = r.Revision
	plan.ToRemote = append(plan.ToRemote, l)
}
