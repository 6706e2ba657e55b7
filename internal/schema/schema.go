// Package schema defines the resource schemas that drive graph ingestion.
// A schema maps an upstream resource kind onto a node label, names the
// record field that supplies node identity, and declares the relationships
// the kind participates in. The registry is the single source of truth for
// what the ingestion engine is allowed to write.
package schema

import (
	"fmt"
	"sort"
)

// Direction orients a declared relationship relative to the declaring kind.
type Direction string

const (
	// DirectionOutward stores the edge from the declaring node to the target.
	DirectionOutward Direction = "outward"
	// DirectionInward stores the edge from the target to the declaring node.
	DirectionInward Direction = "inward"
	// DirectionBoth is treated as outward for storage; traversal ignores
	// orientation for these labels.
	DirectionBoth Direction = "bidirectional"
)

// Valid reports whether d is one of the declared orientations.
func (d Direction) Valid() bool {
	switch d {
	case DirectionOutward, DirectionInward, DirectionBoth:
		return true
	}
	return false
}

// Relationship declares a typed edge from the declaring kind to a target
// kind. SourceMatchField names the record field on the declaring kind that
// carries the target's match value; TargetMatchField names the property on
// the target node it is matched against. Relationships never create nodes:
// a pair whose endpoints are not both present is skipped, not upserted.
type Relationship struct {
	Label            string
	TargetKind       string
	SourceMatchField string
	TargetMatchField string
	Direction        Direction
}

// Resource describes one ingestible resource kind.
type Resource struct {
	// Kind is the upstream name ("instance", "volume", ...).
	Kind string
	// Label is the node label stored in the graph ("Instance", "Volume", ...).
	Label string
	// IdentityField names the record field whose value becomes the node key.
	// Records missing it are rejected.
	IdentityField string
	// IndexedFields lists property fields that get secondary indexes.
	IndexedFields []string
	// Relationships the kind declares. Pair values for these edges are
	// either supplied explicitly or derived from the kind's own records.
	Relationships []Relationship
}

// UnknownKindError reports a lookup for a kind no schema was registered for.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no schema registered for resource kind %q", e.Kind)
}

// UnknownRelationshipError reports a lookup for a relationship label no
// registered schema declares.
type UnknownRelationshipError struct {
	Label string
}

func (e *UnknownRelationshipError) Error() string {
	return fmt.Sprintf("no schema declares relationship label %q", e.Label)
}

// RelBinding pairs a declared relationship with the schema that declares it.
// Ingestion resolves a relationship label to exactly one binding.
type RelBinding struct {
	Source Resource
	Rel    Relationship
}

// Registry holds the set of registered resource schemas. It is built once
// by the process entry point and passed by reference; it is not safe for
// concurrent mutation.
type Registry struct {
	order  []string
	byKind map[string]Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Resource)}
}

// Register adds a schema. Kind, label and identity field must be non-empty
// and the kind must not already be registered. Cross-schema checks (target
// kinds, label collisions) run in Validate because registration order is
// not significant.
func (r *Registry) Register(res Resource) error {
	if res.Kind == "" {
		return fmt.Errorf("schema registration: empty kind")
	}
	if res.Label == "" {
		return fmt.Errorf("schema registration for kind %q: empty label", res.Kind)
	}
	if res.IdentityField == "" {
		return fmt.Errorf("schema registration for kind %q: empty identity field", res.Kind)
	}
	if _, exists := r.byKind[res.Kind]; exists {
		return fmt.Errorf("schema registration: duplicate kind %q", res.Kind)
	}
	for _, rel := range res.Relationships {
		if rel.Label == "" || rel.TargetKind == "" {
			return fmt.Errorf("schema registration for kind %q: relationship with empty label or target", res.Kind)
		}
		if rel.SourceMatchField == "" || rel.TargetMatchField == "" {
			return fmt.Errorf("schema registration for kind %q: relationship %q missing match fields", res.Kind, rel.Label)
		}
		if !rel.Direction.Valid() {
			return fmt.Errorf("schema registration for kind %q: relationship %q has invalid direction %q", res.Kind, rel.Label, rel.Direction)
		}
	}
	r.byKind[res.Kind] = res
	r.order = append(r.order, res.Kind)
	return nil
}

// Validate runs the cross-schema checks: every relationship target must be
// a registered kind, node labels must not collide, and relationship labels
// must be unique across the registry so a label resolves to exactly one
// declaring schema.
func (r *Registry) Validate() error {
	labels := make(map[string]string, len(r.order))
	relLabels := make(map[string]string)
	for _, kind := range r.order {
		res := r.byKind[kind]
		if prev, dup := labels[res.Label]; dup {
			return fmt.Errorf("schema validation: kinds %q and %q share node label %q", prev, kind, res.Label)
		}
		labels[res.Label] = kind
		for _, rel := range res.Relationships {
			if _, ok := r.byKind[rel.TargetKind]; !ok {
				return fmt.Errorf("schema validation: kind %q relationship %q targets unregistered kind %q", kind, rel.Label, rel.TargetKind)
			}
			if prev, dup := relLabels[rel.Label]; dup {
				return fmt.Errorf("schema validation: relationship label %q declared by both %q and %q", rel.Label, prev, kind)
			}
			relLabels[rel.Label] = kind
		}
	}
	return nil
}

// Get returns the schema registered for kind.
func (r *Registry) Get(kind string) (Resource, error) {
	res, ok := r.byKind[kind]
	if !ok {
		return Resource{}, &UnknownKindError{Kind: kind}
	}
	return res, nil
}

// All returns every registered schema in registration order.
func (r *Registry) All() []Resource {
	out := make([]Resource, 0, len(r.order))
	for _, kind := range r.order {
		out = append(out, r.byKind[kind])
	}
	return out
}

// Kinds returns the registered kind names in registration order.
func (r *Registry) Kinds() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Labels returns every node label in sorted order.
func (r *Registry) Labels() []string {
	out := make([]string, 0, len(r.order))
	for _, kind := range r.order {
		out = append(out, r.byKind[kind].Label)
	}
	sort.Strings(out)
	return out
}

// Relationship resolves a relationship label to its declaring schema. The
// uniqueness enforced by Validate makes the result unambiguous.
func (r *Registry) Relationship(label string) (RelBinding, error) {
	for _, kind := range r.order {
		res := r.byKind[kind]
		for _, rel := range res.Relationships {
			if rel.Label == label {
				return RelBinding{Source: res, Rel: rel}, nil
			}
		}
	}
	return RelBinding{}, &UnknownRelationshipError{Label: label}
}
