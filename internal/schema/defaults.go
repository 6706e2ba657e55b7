package schema

import "fmt"

// Resource kinds covered by the built-in registry.
const (
	KindInstance      = "instance"
	KindNetwork       = "network"
	KindSubnet        = "subnet"
	KindFirewallGroup = "firewall-group"
	KindFirewallRule  = "firewall-rule"
	KindVolume        = "volume"
	KindBucket        = "bucket"
)

// Node labels for the built-in kinds.
const (
	LabelInstance      = "Instance"
	LabelNetwork       = "Network"
	LabelSubnet        = "Subnet"
	LabelFirewallGroup = "FirewallGroup"
	LabelFirewallRule  = "FirewallRule"
	LabelVolume        = "Volume"
	LabelBucket        = "Bucket"
)

// Relationship labels for the built-in kinds. Each label is declared by
// exactly one kind.
const (
	RelMemberOf   = "MEMBER_OF"   // Instance -> FirewallGroup
	RelLocatedIn  = "LOCATED_IN"  // Instance -> Subnet
	RelPartOf     = "PART_OF"     // Subnet -> Network
	RelBelongsTo  = "BELONGS_TO"  // FirewallGroup -> Network
	RelHasRule    = "HAS_RULE"    // FirewallGroup -> FirewallRule (declared inward by firewall-rule)
	RelAttachedTo = "ATTACHED_TO" // Volume -> Instance
)

// NewDefault builds the registry of built-in resource kinds. The set is
// closed: extending coverage means registering another schema here, not
// teaching the ingestion engine anything new.
func NewDefault() *Registry {
	r := NewRegistry()
	mustRegister(r, Resource{
		Kind:          KindInstance,
		Label:         LabelInstance,
		IdentityField: "instance_id",
		IndexedFields: []string{"state", "region", "subnet_id"},
		Relationships: []Relationship{
			{
				Label:            RelMemberOf,
				TargetKind:       KindFirewallGroup,
				SourceMatchField: "group_id",
				TargetMatchField: "group_id",
				Direction:        DirectionOutward,
			},
			{
				Label:            RelLocatedIn,
				TargetKind:       KindSubnet,
				SourceMatchField: "subnet_id",
				TargetMatchField: "subnet_id",
				Direction:        DirectionOutward,
			},
		},
	})
	mustRegister(r, Resource{
		Kind:          KindNetwork,
		Label:         LabelNetwork,
		IdentityField: "network_id",
		IndexedFields: []string{"region"},
	})
	mustRegister(r, Resource{
		Kind:          KindSubnet,
		Label:         LabelSubnet,
		IdentityField: "subnet_id",
		IndexedFields: []string{"network_id", "zone"},
		Relationships: []Relationship{
			{
				Label:            RelPartOf,
				TargetKind:       KindNetwork,
				SourceMatchField: "network_id",
				TargetMatchField: "network_id",
				Direction:        DirectionOutward,
			},
		},
	})
	mustRegister(r, Resource{
		Kind:          KindFirewallGroup,
		Label:         LabelFirewallGroup,
		IdentityField: "group_id",
		IndexedFields: []string{"network_id"},
		Relationships: []Relationship{
			{
				Label:            RelBelongsTo,
				TargetKind:       KindNetwork,
				SourceMatchField: "network_id",
				TargetMatchField: "network_id",
				Direction:        DirectionOutward,
			},
		},
	})
	mustRegister(r, Resource{
		Kind:          KindFirewallRule,
		Label:         LabelFirewallRule,
		IdentityField: "rule_id",
		IndexedFields: []string{"protocol", "direction"},
		Relationships: []Relationship{
			// Rules hang off their group: the stored edge runs
			// FirewallGroup -> FirewallRule even though the rule record
			// is the one carrying the group reference.
			{
				Label:            RelHasRule,
				TargetKind:       KindFirewallGroup,
				SourceMatchField: "group_id",
				TargetMatchField: "group_id",
				Direction:        DirectionInward,
			},
		},
	})
	mustRegister(r, Resource{
		Kind:          KindVolume,
		Label:         LabelVolume,
		IdentityField: "volume_id",
		IndexedFields: []string{"state"},
		Relationships: []Relationship{
			{
				Label:            RelAttachedTo,
				TargetKind:       KindInstance,
				SourceMatchField: "instance_id",
				TargetMatchField: "instance_id",
				Direction:        DirectionOutward,
			},
		},
	})
	mustRegister(r, Resource{
		Kind:          KindBucket,
		Label:         LabelBucket,
		IdentityField: "bucket_id",
		IndexedFields: []string{"region"},
	})
	if err := r.Validate(); err != nil {
		// The built-in set is static; a failure here is a programming error.
		panic(fmt.Sprintf("built-in schema registry invalid: %v", err))
	}
	return r
}

func mustRegister(r *Registry, res Resource) {
	if err := r.Register(res); err != nil {
		panic(fmt.Sprintf("built-in schema registration failed: %v", err))
	}
}
