// Package conflict resolves rows changed on both sides of a sync pair with a
// last-writer-wins policy. The higher version wins outright; on an exact
// version tie the remote row wins. Rows are never merged field by field.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/syncqueue/internal/models"
)

var (
	// ErrRowMismatch means the two records do not describe the same row
	ErrRowMismatch = errors.New("conflict records refer to different rows")
	// ErrSameOrigin means both records were read from the same side
	ErrSameOrigin = errors.New("conflict needs one local and one remote record")
)

// Conflict pairs the local and remote image of one row
type Conflict struct {
	Local  models.ChangeRecord
	Remote models.ChangeRecord
}

// Result is the outcome of a single resolution
type Result struct {
	Winner models.ChangeRecord
	Loser  models.ChangeRecord
	Record models.ConflictRecord
}

// Resolver applies last-writer-wins
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a resolver; a nil clock means time.Now
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve picks the authoritative image of a row. The two records may be
// passed in either order; the outcome depends only on their versions and origins.
func (r *Resolver) Resolve(a, b models.ChangeRecord) (*Result, error) {
	if a.TableName != b.TableName || a.RowID != b.RowID {
		return nil, fmt.Errorf("%w: %s/%s vs %s/%s", ErrRowMismatch, a.TableName, a.RowID, b.TableName, b.RowID)
	}

	var local, remote models.ChangeRecord
	switch {
	case a.Origin == models.OriginLocal && b.Origin == models.OriginRemote:
		local, remote = a, b
	case a.Origin == models.OriginRemote && b.Origin == models.OriginLocal:
		local, remote = b, a
	default:
		return nil, fmt.Errorf("%w: row %s/%s has origins %q and %q", ErrSameOrigin, a.TableName, a.RowID, a.Origin, b.Origin)
	}

	res := &Result{Winner: remote, Loser: local}
	resolution := models.ResolutionRemoteWins
	if local.Version > remote.Version {
		res.Winner, res.Loser = local, remote
		resolution = models.ResolutionLocalWins
	}

	res.Record = models.ConflictRecord{
		TableName:     local.TableName,
		RowID:         local.RowID,
		LocalVersion:  local.Version,
		RemoteVersion: remote.Version,
		Resolution:    resolution,
		ResolvedValue: res.Winner.Payload,
		ResolvedAt:    r.now(),
	}
	return res, nil
}

// ResolveAll resolves every conflict, returning results sorted by row id.
func (r *Resolver) ResolveAll(conflicts []Conflict) ([]*Result, error) {
	results := make([]*Result, 0, len(conflicts))
	for _, c := range conflicts {
		res, err := r.Resolve(c.Local, c.Remote)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Record.RowID < results[j].Record.RowID })
	return results, nil
}
