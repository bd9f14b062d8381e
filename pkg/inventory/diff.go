package inventory

import (
	"fmt"
)

// entity is implemented by every reconcilable kind. Entities are matched
// by their provider-native reference within a single connection.
type entity[T any] interface {
	key() string
	sameContent(other T) bool
	// adopt returns the receiver carrying the local identity of current.
	adopt(current T) T
}

// Changes lists the writes needed to turn the persisted set of one kind
// into the remote set.
type Changes[T any] struct {
	Create []T
	Update []T
	Delete []T
	// Unchanged counts entities present on both sides with equal content.
	Unchanged int
}

// Empty reports whether no write is needed.
func (c Changes[T]) Empty() bool {
	return len(c.Create) == 0 && len(c.Update) == 0 && len(c.Delete) == 0
}

// Plan is the full set of writes for one reconciliation.
type Plan struct {
	ResourceGroups Changes[ResourceGroup]
	Resources      Changes[ManagedResource]
	Flavors        Changes[Flavor]
	Zones          Changes[AvailabilityZone]
	Images         Changes[Image]
}

// Summary aggregates plan sizes over all kinds.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Summary returns the aggregated counts of the plan.
func (p *Plan) Summary() Summary {
	var s Summary
	add := func(created, updated, deleted, unchanged int) {
		s.Created += created
		s.Updated += updated
		s.Deleted += deleted
		s.Unchanged += unchanged
	}
	add(len(p.ResourceGroups.Create), len(p.ResourceGroups.Update), len(p.ResourceGroups.Delete), p.ResourceGroups.Unchanged)
	add(len(p.Resources.Create), len(p.Resources.Update), len(p.Resources.Delete), p.Resources.Unchanged)
	add(len(p.Flavors.Create), len(p.Flavors.Update), len(p.Flavors.Delete), p.Flavors.Unchanged)
	add(len(p.Zones.Create), len(p.Zones.Update), len(p.Zones.Delete), p.Zones.Unchanged)
	add(len(p.Images.Create), len(p.Images.Update), len(p.Images.Delete), p.Images.Unchanged)
	return s
}

// Empty reports whether the plan contains no writes.
func (p *Plan) Empty() bool {
	return p.ResourceGroups.Empty() && p.Resources.Empty() && p.Flavors.Empty() &&
		p.Zones.Empty() && p.Images.Empty()
}

// Diff compares the persisted graph of a connection with the remote graph.
// Remote entities missing locally are created, entities on both sides are
// updated in place when their content differs, and local entities absent
// remotely are deleted. Both graphs must belong to the same connection.
func Diff(current, remote *Graph) (*Plan, error) {
	if current == nil {
		current = &Graph{}
	}
	if remote == nil {
		remote = &Graph{}
	}

	plan := &Plan{}
	var err error
	if plan.ResourceGroups, err = diffKind(KindResourceGroup, current.ResourceGroups, remote.ResourceGroups); err != nil {
		return nil, err
	}
	if plan.Resources, err = diffKind(KindResource, current.Resources, remote.Resources); err != nil {
		return nil, err
	}
	if plan.Flavors, err = diffKind(KindFlavor, current.Flavors, remote.Flavors); err != nil {
		return nil, err
	}
	if plan.Zones, err = diffKind(KindZone, current.Zones, remote.Zones); err != nil {
		return nil, err
	}
	if plan.Images, err = diffKind(KindImage, current.Images, remote.Images); err != nil {
		return nil, err
	}
	return plan, nil
}

func diffKind[T entity[T]](kind string, current, remote []T) (Changes[T], error) {
	var changes Changes[T]

	existing := make(map[string]T, len(current))
	for _, c := range current {
		existing[c.key()] = c
	}

	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		k := r.key()
		if k == "" {
			return Changes[T]{}, fmt.Errorf("%s without provider reference in remote inventory", kind)
		}
		// The first occurrence of a reference wins.
		if seen[k] {
			continue
		}
		seen[k] = true

		c, ok := existing[k]
		switch {
		case !ok:
			changes.Create = append(changes.Create, r)
		case r.sameContent(c):
			changes.Unchanged++
		default:
			changes.Update = append(changes.Update, r.adopt(c))
		}
	}

	for _, c := range current {
		if !seen[c.key()] {
			changes.Delete = append(changes.Delete, c)
		}
	}

	return changes, nil
}

func (g ResourceGroup) key() string { return g.EmsRef }

func (g ResourceGroup) sameContent(o ResourceGroup) bool {
	return g.Name == o.Name && g.Location == o.Location
}

func (g ResourceGroup) adopt(c ResourceGroup) ResourceGroup {
	g.ID, g.ConnectionID, g.CreatedAt = c.ID, c.ConnectionID, c.CreatedAt
	return g
}

func (r ManagedResource) key() string { return r.EmsRef }

func (r ManagedResource) sameContent(o ManagedResource) bool {
	return r.Name == o.Name &&
		r.ResourceGroup == o.ResourceGroup &&
		r.RawPowerState == o.RawPowerState &&
		r.FlavorRef == o.FlavorRef &&
		r.ZoneRef == o.ZoneRef &&
		r.ImageRef == o.ImageRef &&
		r.IPAddress == o.IPAddress
}

func (r ManagedResource) adopt(c ManagedResource) ManagedResource {
	r.ID, r.ConnectionID, r.CreatedAt = c.ID, c.ConnectionID, c.CreatedAt
	return r
}

func (f Flavor) key() string { return f.EmsRef }

func (f Flavor) sameContent(o Flavor) bool {
	return f.Name == o.Name && f.CPUs == o.CPUs && f.MemoryMB == o.MemoryMB && f.DiskGB == o.DiskGB
}

func (f Flavor) adopt(c Flavor) Flavor {
	f.ID, f.ConnectionID, f.CreatedAt = c.ID, c.ConnectionID, c.CreatedAt
	return f
}

func (z AvailabilityZone) key() string { return z.EmsRef }

func (z AvailabilityZone) sameContent(o AvailabilityZone) bool { return z.Name == o.Name }

func (z AvailabilityZone) adopt(c AvailabilityZone) AvailabilityZone {
	z.ID, z.ConnectionID, z.CreatedAt = c.ID, c.ConnectionID, c.CreatedAt
	return z
}

func (i Image) key() string { return i.EmsRef }

func (i Image) sameContent(o Image) bool { return i.Name == o.Name && i.OSType == o.OSType }

func (i Image) adopt(c Image) Image {
	i.ID, i.ConnectionID, i.CreatedAt = c.ID, c.ConnectionID, c.CreatedAt
	return i
}
