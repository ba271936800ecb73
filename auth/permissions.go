package auth

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// MembershipLookup returns the ids of the groups that directly contain any of
// memberIDs. Duplicates in the result are allowed.
type MembershipLookup interface {
	DirectGroupIDs(ctx context.Context, memberIDs []uuid.UUID) ([]uuid.UUID, error)
}

// PermissionClosure is an entity id plus every group reachable from it.
type PermissionClosure map[uuid.UUID]struct{}

func (c PermissionClosure) Contains(id uuid.UUID) bool {
	_, ok := c[id]
	return ok
}

// IDs returns the closure in a stable order.
func (c PermissionClosure) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

// Visibility scopes row access: All for administrators, otherwise rows owned
// by an entity in Closure.
type Visibility struct {
	All     bool
	Closure PermissionClosure
}

func (v Visibility) Allows(owner uuid.UUID) bool {
	return v.All || v.Closure.Contains(owner)
}

// PermissionResolver expands an entity id over group memberships.
type PermissionResolver struct {
	lookup  MembershipLookup
	metrics *Metrics
}

func NewPermissionResolver(lookup MembershipLookup, metrics *Metrics) *PermissionResolver {
	return &PermissionResolver{lookup: lookup, metrics: metrics}
}

// Resolve walks group memberships breadth first, one batched lookup per round.
// Ids already visited are never queried again, so cycles terminate. A failed
// lookup aborts the walk without a partial result.
func (r *PermissionResolver) Resolve(ctx context.Context, id uuid.UUID) (PermissionClosure, error) {
	ctx, span := startSpan(ctx, "permissions.Resolve", attribute.String("entity.id", id.String()))
	defer span.End()

	visited := PermissionClosure{id: {}}
	frontier := []uuid.UUID{id}
	rounds := 0
	for len(frontier) > 0 {
		rounds++
		parents, err := r.lookup.DirectGroupIDs(ctx, frontier)
		if err != nil {
			err = fmt.Errorf("resolve permissions of %s: %w", id, err)
			recordError(span, err)
			return nil, err
		}
		var next []uuid.UUID
		for _, p := range parents {
			if !visited.Contains(p) {
				visited[p] = struct{}{}
				next = append(next, p)
			}
		}
		frontier = next
	}

	r.metrics.permissionRounds(rounds)
	span.SetAttributes(attribute.Int("permissions.rounds", rounds), attribute.Int("permissions.size", len(visited)))
	return visited, nil
}
