// Package kpathcore holds the domain types and error taxonomy shared by
// every KPATH component: the registry, the vector index, the search
// pipeline, the index manager, and the HTTP edge all import this package
// instead of each other.
package kpathcore

import "time"

// ServiceStatus is the lifecycle status a Registry record carries.
// Only Active services are eligible for indexing and retrieval.
type ServiceStatus string

const (
	StatusActive     ServiceStatus = "active"
	StatusInactive   ServiceStatus = "inactive"
	StatusDeprecated ServiceStatus = "deprecated"
)

// Capability is one operation a service exposes. Name and the schema
// fields are optional; Description is not.
type Capability struct {
	Name           string
	Description    string
	InputSchema    string
	OutputSchema   string
}

// VisibilityKind distinguishes an Open service (visible to any
// authenticated principal) from a Restricted one.
type VisibilityKind string

const (
	VisibilityOpen       VisibilityKind = "open"
	VisibilityRestricted VisibilityKind = "restricted"
)

// VisibilityPolicy gates a Restricted service behind a role set and an
// optional attribute predicate. A nil Predicate means role membership
// alone is sufficient.
type VisibilityPolicy struct {
	Kind         VisibilityKind
	AllowedRoles []string
	Predicate    *Predicate
}

// ServiceRecord is the Registry's relational view of a service, the
// unit the Embedder turns into EmbeddableText and the VectorIndex
// indexes under service_id. VersionTag increases monotonically with
// every mutation of the record.
type ServiceRecord struct {
	ServiceID    int64
	Name         string
	Description  string
	Status       ServiceStatus
	Version      string
	Capabilities []Capability
	Domains      []string
	Visibility   *VisibilityPolicy
	VersionTag   int64
	UpdatedAt    time.Time
}

// Principal is the authenticated caller of a search request.
type Principal struct {
	PrincipalID string
	Roles       []string
	Attributes  map[string]any
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Vector is a unit-norm embedding. Dimension is fixed per deployment
// and enforced by the Embedder and VectorIndex at their boundary.
type Vector []float32

// IndexEntry is what the VectorIndex stores per active service: the
// vector plus the Registry version_tag it was computed against, so
// staleness can be detected without re-embedding.
type IndexEntry struct {
	ServiceID  int64
	Vector     Vector
	VersionTag int64
}

// FeedbackEvent records one impression or selection for a previously
// returned search result, the raw material for FeedbackStore.Prior.
type FeedbackEvent struct {
	QueryHash    string
	ServiceID    int64
	RankPosition int
	Selected     bool
	Timestamp    time.Time
}

// ChangeKind distinguishes the ways a Registry record can change.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeUpdated       ChangeKind = "updated"
	ChangeDeleted       ChangeKind = "deleted"
	ChangeStatusChanged ChangeKind = "status_changed"
)

// ChangeEvent is what Registry.Changes emits; IndexManager coalesces
// these into index mutations. NewVersionTag is zero for Deleted
// events, where the record no longer has a tag.
type ChangeEvent struct {
	Kind          ChangeKind
	ServiceID     int64
	NewVersionTag int64
}

// IndexState is the per-service lifecycle state IndexManager tracks.
// The VectorIndex itself only ever holds entries in state Indexed.
type IndexState string

const (
	StateAbsent      IndexState = "absent"
	StatePending     IndexState = "pending"
	StateIndexed     IndexState = "indexed"
	StateStale       IndexState = "stale"
	StateUnindexable IndexState = "unindexable"
	StateRemoved     IndexState = "removed"
)
