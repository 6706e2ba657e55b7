package rules

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/graph"
	"github.com/xkilldash9x/atlas-cli/internal/schema"
)

// Built-in rule IDs. These are stable identifiers consumed by reports and
// the --rules flag; renaming one is a breaking change.
const (
	RuleExposedSSH          = "exposed-ssh"
	RuleExposedRDP          = "exposed-rdp"
	RulePermissiveIngress   = "permissive-ingress"
	RuleUnencryptedVolume   = "unencrypted-volume"
	RuleOrphanedVolume      = "orphaned-volume"
	RuleUnusedFirewallGroup = "unused-firewall-group"
	RuleNetworkSegmentation = "network-segmentation"
	RuleStoppedInstance     = "stopped-instance"
	RuleSingleZoneNetwork   = "single-zone-network"
)

// Rough monthly cost assumptions used for savings estimates in finding
// metadata. These are order-of-magnitude hints for prioritization, not
// billing data.
const (
	monthlyCostPerStoppedInstanceUSD = 50.0
	monthlyCostPerStorageGBUSD       = 0.10
)

// RegisterBuiltins registers the full built-in rule set in its canonical
// order.
func RegisterBuiltins(e *Engine) error {
	builtins := []Rule{
		&managementPortRule{
			id:      RuleExposedSSH,
			name:    "Exposed SSH service",
			service: "SSH",
			port:    22,
			flag:    "exposed_ssh",
		},
		&managementPortRule{
			id:      RuleExposedRDP,
			name:    "Exposed RDP service",
			service: "RDP",
			port:    3389,
			flag:    "exposed_rdp",
		},
		&permissiveIngressRule{},
		&unencryptedVolumeRule{},
		&orphanedVolumeRule{},
		&unusedFirewallGroupRule{},
		&networkSegmentationRule{},
		&stoppedInstanceRule{},
		&singleZoneNetworkRule{},
	}
	for _, r := range builtins {
		if err := e.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}

// managementPortSQL finds instances that are members of a firewall group
// holding an inbound tcp allow from 0.0.0.0/0 whose port range covers the
// management port. One row per (instance, group) pair; the rule folds
// rows back into one entry per instance.
const managementPortSQL = `
	SELECT DISTINCT
		i.id                       AS instance_id,
		i.properties->>'name'      AS instance_name,
		i.properties->>'public_ip' AS public_ip,
		g.properties->>'name'      AS group_name
	FROM graph_nodes i
	JOIN graph_edges m
		ON m.src_label = 'Instance' AND m.src_id = i.id
		AND m.rel_label = 'MEMBER_OF' AND m.dst_label = 'FirewallGroup'
	JOIN graph_nodes g
		ON g.label = 'FirewallGroup' AND g.id = m.dst_id
	JOIN graph_edges h
		ON h.src_label = 'FirewallGroup' AND h.src_id = g.id
		AND h.rel_label = 'HAS_RULE' AND h.dst_label = 'FirewallRule'
	JOIN graph_nodes r
		ON r.label = 'FirewallRule' AND r.id = h.dst_id
	WHERE i.label = 'Instance'
	  AND r.properties->>'direction'   = 'inbound'
	  AND r.properties->>'protocol'    = 'tcp'
	  AND r.properties->>'source_cidr' = '0.0.0.0/0'
	  AND (r.properties->>'port_from')::int <= $1
	  AND (r.properties->>'port_to')::int   >= $1
	ORDER BY instance_id, group_name;
`

// annotateInstanceFlagSQL stamps a derived boolean flag onto matched
// instance nodes. The only write rules are allowed to perform.
const annotateInstanceFlagSQL = `
	UPDATE graph_nodes
	SET properties = jsonb_set(properties, $2, 'true'::jsonb)
	WHERE label = 'Instance' AND id = ANY($1);
`

// managementPortRule is the shared implementation behind the SSH and RDP
// exposure rules. It returns at most one finding aggregating every
// reachable instance, and annotates those instances with a derived flag.
type managementPortRule struct {
	id      string
	name    string
	service string
	port    int
	flag    string
}

func (r *managementPortRule) ID() string                 { return r.id }
func (r *managementPortRule) Name() string               { return r.name }
func (r *managementPortRule) Severity() schemas.Severity { return schemas.SeverityHigh }

func (r *managementPortRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, managementPortSQL, r.port)
	if err != nil {
		return nil, fmt.Errorf("querying %s exposure: %w", r.service, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// Fold (instance, group) rows into one resource per instance, keeping
	// the query's instance order.
	var ids []string
	groups := make(map[string][]string)
	refs := make(map[string]schemas.ResourceRef)
	for _, row := range rows {
		id := row.String("instance_id")
		if _, seen := refs[id]; !seen {
			ids = append(ids, id)
			refs[id] = schemas.ResourceRef{
				Kind: schema.KindInstance,
				ID:   id,
				Name: row.String("instance_name"),
				Details: map[string]any{
					"public_ip": row.String("public_ip"),
				},
			}
		}
		groups[id] = append(groups[id], row.String("group_name"))
	}

	affected := make([]schemas.ResourceRef, 0, len(ids))
	for _, id := range ids {
		ref := refs[id]
		ref.Details["firewall_groups"] = groups[id]
		affected = append(affected, ref)
	}

	if _, err := sess.Exec(ctx, annotateInstanceFlagSQL, ids, []string{r.flag}); err != nil {
		return nil, fmt.Errorf("annotating %s-exposed instances: %w", r.service, err)
	}

	return []schemas.Finding{{
		RuleID:   r.id,
		RuleName: r.name,
		Severity: r.Severity(),
		Description: fmt.Sprintf("%d instance(s) reachable from 0.0.0.0/0 on %s port %d",
			len(affected), r.service, r.port),
		AffectedResources: affected,
		Recommendation: fmt.Sprintf("Restrict %s ingress to known address ranges or front it with a bastion or VPN.",
			r.service),
		Metadata: map[string]any{
			"count": len(affected),
			"port":  r.port,
		},
	}}, nil
}

// permissiveIngressSQL finds firewall groups carrying an inbound allow of
// the full port range from anywhere.
const permissiveIngressSQL = `
	SELECT DISTINCT
		g.id                  AS group_id,
		g.properties->>'name' AS group_name,
		r.id                  AS rule_id
	FROM graph_nodes g
	JOIN graph_edges h
		ON h.src_label = 'FirewallGroup' AND h.src_id = g.id
		AND h.rel_label = 'HAS_RULE' AND h.dst_label = 'FirewallRule'
	JOIN graph_nodes r
		ON r.label = 'FirewallRule' AND r.id = h.dst_id
	WHERE g.label = 'FirewallGroup'
	  AND r.properties->>'direction'   = 'inbound'
	  AND r.properties->>'source_cidr' = '0.0.0.0/0'
	  AND (r.properties->>'port_from')::int <= 0
	  AND (r.properties->>'port_to')::int   >= 65535
	ORDER BY group_id, rule_id;
`

const annotateGroupFlagSQL = `
	UPDATE graph_nodes
	SET properties = jsonb_set(properties, '{overly_permissive}', 'true'::jsonb)
	WHERE label = 'FirewallGroup' AND id = ANY($1);
`

type permissiveIngressRule struct{}

func (r *permissiveIngressRule) ID() string                 { return RulePermissiveIngress }
func (r *permissiveIngressRule) Name() string               { return "Maximally permissive ingress" }
func (r *permissiveIngressRule) Severity() schemas.Severity { return schemas.SeverityCritical }

func (r *permissiveIngressRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, permissiveIngressSQL)
	if err != nil {
		return nil, fmt.Errorf("querying permissive ingress: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var ids []string
	ruleIDs := make(map[string][]string)
	refs := make(map[string]schemas.ResourceRef)
	for _, row := range rows {
		id := row.String("group_id")
		if _, seen := refs[id]; !seen {
			ids = append(ids, id)
			refs[id] = schemas.ResourceRef{
				Kind:    schema.KindFirewallGroup,
				ID:      id,
				Name:    row.String("group_name"),
				Details: map[string]any{},
			}
		}
		ruleIDs[id] = append(ruleIDs[id], row.String("rule_id"))
	}

	affected := make([]schemas.ResourceRef, 0, len(ids))
	for _, id := range ids {
		ref := refs[id]
		ref.Details["rules"] = ruleIDs[id]
		affected = append(affected, ref)
	}

	if _, err := sess.Exec(ctx, annotateGroupFlagSQL, ids); err != nil {
		return nil, fmt.Errorf("annotating permissive groups: %w", err)
	}

	return []schemas.Finding{{
		RuleID:   RulePermissiveIngress,
		RuleName: r.Name(),
		Severity: r.Severity(),
		Description: fmt.Sprintf("%d firewall group(s) allow inbound traffic on every port from 0.0.0.0/0",
			len(affected)),
		AffectedResources: affected,
		Recommendation:    "Scope ingress rules to the specific ports and source ranges each workload needs.",
		Metadata: map[string]any{
			"count": len(affected),
		},
	}}, nil
}

// unencryptedVolumeSQL finds attached volumes whose records declare
// encryption off. Detached unencrypted volumes are the orphan rule's
// concern.
const unencryptedVolumeSQL = `
	SELECT
		v.id                     AS volume_id,
		v.properties->>'name'    AS volume_name,
		v.properties->>'size_gb' AS size_gb,
		a.dst_id                 AS instance_id
	FROM graph_nodes v
	JOIN graph_edges a
		ON a.src_label = 'Volume' AND a.src_id = v.id
		AND a.rel_label = 'ATTACHED_TO' AND a.dst_label = 'Instance'
	WHERE v.label = 'Volume'
	  AND (v.properties->>'encrypted')::boolean = false
	ORDER BY volume_id;
`

type unencryptedVolumeRule struct{}

func (r *unencryptedVolumeRule) ID() string                 { return RuleUnencryptedVolume }
func (r *unencryptedVolumeRule) Name() string               { return "Unencrypted attached volume" }
func (r *unencryptedVolumeRule) Severity() schemas.Severity { return schemas.SeverityMedium }

func (r *unencryptedVolumeRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, unencryptedVolumeSQL)
	if err != nil {
		return nil, fmt.Errorf("querying unencrypted volumes: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	affected := make([]schemas.ResourceRef, 0, len(rows))
	for _, row := range rows {
		affected = append(affected, schemas.ResourceRef{
			Kind: schema.KindVolume,
			ID:   row.String("volume_id"),
			Name: row.String("volume_name"),
			Details: map[string]any{
				"size_gb":     row.Int64("size_gb"),
				"attached_to": row.String("instance_id"),
			},
		})
	}

	return []schemas.Finding{{
		RuleID:   RuleUnencryptedVolume,
		RuleName: r.Name(),
		Severity: r.Severity(),
		Description: fmt.Sprintf("%d attached volume(s) store data without encryption at rest",
			len(affected)),
		AffectedResources: affected,
		Recommendation:    "Enable encryption at rest; migrate data to encrypted volumes where in-place encryption is unavailable.",
		Metadata: map[string]any{
			"count": len(affected),
		},
	}}, nil
}

// orphanedVolumeSQL finds volumes with no attachment edge at all.
const orphanedVolumeSQL = `
	SELECT
		v.id                     AS volume_id,
		v.properties->>'name'    AS volume_name,
		v.properties->>'size_gb' AS size_gb
	FROM graph_nodes v
	WHERE v.label = 'Volume'
	  AND NOT EXISTS (
		SELECT 1 FROM graph_edges a
		WHERE a.src_label = 'Volume' AND a.src_id = v.id
		  AND a.rel_label = 'ATTACHED_TO'
	  )
	ORDER BY volume_id;
`

type orphanedVolumeRule struct{}

func (r *orphanedVolumeRule) ID() string                 { return RuleOrphanedVolume }
func (r *orphanedVolumeRule) Name() string               { return "Orphaned volume" }
func (r *orphanedVolumeRule) Severity() schemas.Severity { return schemas.SeverityLow }

func (r *orphanedVolumeRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, orphanedVolumeSQL)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned volumes: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var totalGB int64
	affected := make([]schemas.ResourceRef, 0, len(rows))
	for _, row := range rows {
		size := row.Int64("size_gb")
		totalGB += size
		affected = append(affected, schemas.ResourceRef{
			Kind: schema.KindVolume,
			ID:   row.String("volume_id"),
			Name: row.String("volume_name"),
			Details: map[string]any{
				"size_gb": size,
			},
		})
	}

	return []schemas.Finding{{
		RuleID:   RuleOrphanedVolume,
		RuleName: r.Name(),
		Severity: r.Severity(),
		Description: fmt.Sprintf("%d volume(s) are not attached to any instance",
			len(affected)),
		AffectedResources: affected,
		Recommendation:    "Snapshot and delete volumes that are no longer needed.",
		Metadata: map[string]any{
			"count":                      len(affected),
			"total_size_gb":              totalGB,
			"estimated_monthly_cost_usd": float64(totalGB) * monthlyCostPerStorageGBUSD,
		},
	}}, nil
}

// unusedFirewallGroupSQL finds firewall groups no instance is a member of.
const unusedFirewallGroupSQL = `
	SELECT
		g.id                  AS group_id,
		g.properties->>'name' AS group_name
	FROM graph_nodes g
	WHERE g.label = 'FirewallGroup'
	  AND NOT EXISTS (
		SELECT 1 FROM graph_edges m
		WHERE m.rel_label = 'MEMBER_OF'
		  AND m.dst_label = 'FirewallGroup' AND m.dst_id = g.id
	  )
	ORDER BY group_id;
`

type unusedFirewallGroupRule struct{}

func (r *unusedFirewallGroupRule) ID() string                 { return RuleUnusedFirewallGroup }
func (r *unusedFirewallGroupRule) Name() string               { return "Unused firewall group" }
func (r *unusedFirewallGroupRule) Severity() schemas.Severity { return schemas.SeverityLow }

func (r *unusedFirewallGroupRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, unusedFirewallGroupSQL)
	if err != nil {
		return nil, fmt.Errorf("querying unused firewall groups: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	affected := make([]schemas.ResourceRef, 0, len(rows))
	for _, row := range rows {
		affected = append(affected, schemas.ResourceRef{
			Kind: schema.KindFirewallGroup,
			ID:   row.String("group_id"),
			Name: row.String("group_name"),
		})
	}

	return []schemas.Finding{{
		RuleID:   RuleUnusedFirewallGroup,
		RuleName: r.Name(),
		Severity: r.Severity(),
		Description: fmt.Sprintf("%d firewall group(s) have no member instances",
			len(affected)),
		AffectedResources: affected,
		Recommendation:    "Delete unused groups; stale rule sets get re-attached by mistake.",
		Metadata: map[string]any{
			"count": len(affected),
		},
	}}, nil
}

// networkSegmentationSQL summarizes the subnet/instance layout per
// network. LEFT JOINs keep empty networks visible with zero counts.
const networkSegmentationSQL = `
	SELECT
		n.id                  AS network_id,
		n.properties->>'name' AS network_name,
		count(DISTINCT s.id)      AS subnets,
		count(DISTINCT li.src_id) AS instances
	FROM graph_nodes n
	LEFT JOIN graph_edges p
		ON p.rel_label = 'PART_OF' AND p.dst_label = 'Network' AND p.dst_id = n.id
	LEFT JOIN graph_nodes s
		ON s.label = 'Subnet' AND s.id = p.src_id
	LEFT JOIN graph_edges li
		ON li.rel_label = 'LOCATED_IN' AND li.dst_label = 'Subnet' AND li.dst_id = s.id
	WHERE n.label = 'Network'
	GROUP BY n.id, n.properties
	ORDER BY network_id;
`

// networkSegmentationRule emits a single informational finding describing
// the segment layout of every network.
type networkSegmentationRule struct{}

func (r *networkSegmentationRule) ID() string                 { return RuleNetworkSegmentation }
func (r *networkSegmentationRule) Name() string               { return "Network segmentation summary" }
func (r *networkSegmentationRule) Severity() schemas.Severity { return schemas.SeverityInfo }

func (r *networkSegmentationRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, networkSegmentationSQL)
	if err != nil {
		return nil, fmt.Errorf("querying network segmentation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var totalSubnets, totalInstances int64
	affected := make([]schemas.ResourceRef, 0, len(rows))
	for _, row := range rows {
		subnets := row.Int64("subnets")
		instances := row.Int64("instances")
		totalSubnets += subnets
		totalInstances += instances
		affected = append(affected, schemas.ResourceRef{
			Kind: schema.KindNetwork,
			ID:   row.String("network_id"),
			Name: row.String("network_name"),
			Details: map[string]any{
				"subnets":   subnets,
				"instances": instances,
			},
		})
	}

	return []schemas.Finding{{
		RuleID:   RuleNetworkSegmentation,
		RuleName: r.Name(),
		Severity: r.Severity(),
		Description: fmt.Sprintf("Segmentation layout: %d network(s), %d subnet(s), %d instance(s)",
			len(affected), totalSubnets, totalInstances),
		AffectedResources: affected,
		Recommendation:    "Confirm that workload placement matches the intended segment boundaries.",
		Metadata: map[string]any{
			"count":           len(affected),
			"total_subnets":   totalSubnets,
			"total_instances": totalInstances,
		},
	}}, nil
}

// stoppedInstanceSQL finds stopped instances along with the storage still
// attached to them, which keeps billing while the instance idles.
const stoppedInstanceSQL = `
	SELECT
		i.id                  AS instance_id,
		i.properties->>'name' AS instance_name,
		coalesce(sum((v.properties->>'size_gb')::int), 0) AS attached_gb
	FROM graph_nodes i
	LEFT JOIN graph_edges a
		ON a.rel_label = 'ATTACHED_TO' AND a.dst_label = 'Instance' AND a.dst_id = i.id
	LEFT JOIN graph_nodes v
		ON v.label = 'Volume' AND v.id = a.src_id
	WHERE i.label = 'Instance'
	  AND i.properties->>'state' = 'stopped'
	GROUP BY i.id, i.properties
	ORDER BY instance_id;
`

type stoppedInstanceRule struct{}

func (r *stoppedInstanceRule) ID() string                 { return RuleStoppedInstance }
func (r *stoppedInstanceRule) Name() string               { return "Stopped instance accruing cost" }
func (r *stoppedInstanceRule) Severity() schemas.Severity { return schemas.SeverityLow }

func (r *stoppedInstanceRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, stoppedInstanceSQL)
	if err != nil {
		return nil, fmt.Errorf("querying stopped instances: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	affected := make([]schemas.ResourceRef, 0, len(rows))
	for _, row := range rows {
		affected = append(affected, schemas.ResourceRef{
			Kind: schema.KindInstance,
			ID:   row.String("instance_id"),
			Name: row.String("instance_name"),
			Details: map[string]any{
				"attached_gb": row.Int64("attached_gb"),
			},
		})
	}

	return []schemas.Finding{{
		RuleID:   RuleStoppedInstance,
		RuleName: r.Name(),
		Severity: r.Severity(),
		Description: fmt.Sprintf("%d stopped instance(s) still hold attached storage and reserved addresses",
			len(affected)),
		AffectedResources: affected,
		Recommendation:    "Terminate instances that will not restart; snapshot and release their storage.",
		Metadata: map[string]any{
			"count":                         len(affected),
			"estimated_monthly_savings_usd": float64(len(affected)) * monthlyCostPerStoppedInstanceUSD,
		},
	}}, nil
}

// singleZoneNetworkSQL finds networks whose subnets all sit in one zone.
// Networks without subnets are excluded; they carry no workloads to lose.
const singleZoneNetworkSQL = `
	SELECT
		n.id                  AS network_id,
		n.properties->>'name' AS network_name,
		count(DISTINCT s.properties->>'zone') AS zones
	FROM graph_nodes n
	JOIN graph_edges p
		ON p.rel_label = 'PART_OF' AND p.dst_label = 'Network' AND p.dst_id = n.id
	JOIN graph_nodes s
		ON s.label = 'Subnet' AND s.id = p.src_id
	WHERE n.label = 'Network'
	GROUP BY n.id, n.properties
	HAVING count(DISTINCT s.properties->>'zone') < 2
	ORDER BY network_id;
`

type singleZoneNetworkRule struct{}

func (r *singleZoneNetworkRule) ID() string                 { return RuleSingleZoneNetwork }
func (r *singleZoneNetworkRule) Name() string               { return "Single-zone network" }
func (r *singleZoneNetworkRule) Severity() schemas.Severity { return schemas.SeverityMedium }

func (r *singleZoneNetworkRule) Evaluate(ctx context.Context, sess graph.Session) ([]schemas.Finding, error) {
	rows, err := sess.Run(ctx, singleZoneNetworkSQL)
	if err != nil {
		return nil, fmt.Errorf("querying single-zone networks: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	affected := make([]schemas.ResourceRef, 0, len(rows))
	for _, row := range rows {
		affected = append(affected, schemas.ResourceRef{
			Kind: schema.KindNetwork,
			ID:   row.String("network_id"),
			Name: row.String("network_name"),
			Details: map[string]any{
				"zones": row.Int64("zones"),
			},
		})
	}

	return []schemas.Finding{{
		RuleID:   RuleSingleZoneNetwork,
		RuleName: r.Name(),
		Severity: r.Severity(),
		Description: fmt.Sprintf("%d network(s) place every subnet in a single zone",
			len(affected)),
		AffectedResources: affected,
		Recommendation:    "Spread subnets across at least two zones so a zone outage is not a network outage.",
		Metadata: map[string]any{
			"count": len(affected),
		},
	}}, nil
}
