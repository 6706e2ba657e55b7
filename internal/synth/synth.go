// Package synth generates deterministic synthetic infrastructure
// snapshots: a cross-referenced fleet of networks, subnets, firewall
// groups and rules, instances, volumes, and buckets. The same seed and
// spec always produce the same dataset, and every dataset plants the
// conditions the built-in analysis rules look for, so a seeded graph is
// never an empty demo.
package synth

import (
	"fmt"
	"math/rand"

	"github.com/xkilldash9x/atlas-cli/internal/feed"
	"github.com/xkilldash9x/atlas-cli/internal/graph"
	"github.com/xkilldash9x/atlas-cli/internal/ingest"
	"github.com/xkilldash9x/atlas-cli/internal/schema"
)

// Spec sizes the generated fleet.
type Spec struct {
	Networks      int
	SubnetsPerNet int
	GroupsPerNet  int
	Instances     int
	Volumes       int
	Buckets       int
}

// DefaultSpec is a small fleet that still triggers every built-in rule.
func DefaultSpec() Spec {
	return Spec{
		Networks:      3,
		SubnetsPerNet: 3,
		GroupsPerNet:  3,
		Instances:     24,
		Volumes:       18,
		Buckets:       6,
	}
}

func (s Spec) normalized() Spec {
	if s.Networks < 1 {
		s.Networks = 1
	}
	if s.SubnetsPerNet < 1 {
		s.SubnetsPerNet = 1
	}
	if s.GroupsPerNet < 1 {
		s.GroupsPerNet = 1
	}
	// The planted scenarios need room: one exposed instance, one
	// permissive-group member, one stopped instance, one unencrypted
	// attachment, and two orphaned volumes.
	if s.Instances < 3 {
		s.Instances = 3
	}
	if s.Volumes < 3 {
		s.Volumes = 3
	}
	if s.Buckets < 0 {
		s.Buckets = 0
	}
	return s
}

// Dataset is a generated snapshot. RecordsByKind holds the resource
// records keyed by schema kind. PairsByRel holds only the relationship
// pairs that are NOT derivable from the records themselves (extra
// firewall-group memberships beyond each instance's primary group).
type Dataset struct {
	RecordsByKind map[string][]graph.Record
	PairsByRel    map[string][]ingest.Pair
}

// kindOrder writes parents before children so a streaming consumer that
// upserts as it reads still resolves every edge endpoint.
var kindOrder = []string{
	schema.KindNetwork,
	schema.KindSubnet,
	schema.KindFirewallGroup,
	schema.KindFirewallRule,
	schema.KindInstance,
	schema.KindVolume,
	schema.KindBucket,
}

// WriteTo streams the dataset as a feed: epoch marker first, records in
// dependency order, then the explicit membership pairs.
func (d *Dataset) WriteTo(w *feed.Writer, epoch int64) error {
	if err := w.WriteEpoch(epoch); err != nil {
		return err
	}
	for _, kind := range kindOrder {
		for _, rec := range d.RecordsByKind[kind] {
			if err := w.WriteRecord(kind, rec); err != nil {
				return fmt.Errorf("writing %s record: %w", kind, err)
			}
		}
	}
	for _, p := range d.PairsByRel[schema.RelMemberOf] {
		if err := w.WritePair(schema.RelMemberOf, p); err != nil {
			return fmt.Errorf("writing %s pair: %w", schema.RelMemberOf, err)
		}
	}
	return w.Flush()
}

// Generator produces datasets. Not safe for concurrent use; create one
// per goroutine.
type Generator struct {
	rng  *rand.Rand
	spec Spec
}

// New returns a generator for the given seed and spec.
func New(seed int64, spec Spec) *Generator {
	return &Generator{
		rng:  rand.New(rand.NewSource(seed)),
		spec: spec.normalized(),
	}
}

var (
	regions     = []string{"us-east-1", "us-west-2", "eu-west-1"}
	zoneLetters = []string{"a", "b", "c"}
	envNames    = []string{"production", "staging", "development"}
	subnetTiers = []string{"public", "private", "database"}
	groupRoles  = []string{"web-servers", "api-servers", "database-servers", "cache-servers", "bastion-hosts", "monitoring"}
	appNames    = []string{
		"web-server", "api-gateway", "cache-server", "auth-service",
		"payment-processor", "order-service", "search-engine",
		"notification-service", "reporting-service", "admin-panel",
	}
	volumeTypes = []string{"gp2", "gp3", "io1"}
)

// network/group bookkeeping used while wiring children to parents.
type netInfo struct {
	id     string
	region string
	env    string
}

type groupInfo struct {
	id    string
	netIx int
}

func (g *Generator) id(prefix string) string {
	return fmt.Sprintf("%s-%017x", prefix, g.rng.Int63())
}

func (g *Generator) ip(firstOctet int) string {
	return fmt.Sprintf("%d.%d.%d.%d", firstOctet,
		g.rng.Intn(256), g.rng.Intn(256), g.rng.Intn(256))
}

// Generate builds the dataset. Planted scenarios, in generation order:
// the last network is single-zone; network 0 carries an exposed-ssh
// group (one member, running, public) and an allow-all group (one
// member); the last network carries a group with no members; instance 1
// is stopped; volume 0 is attached and unencrypted; the last two
// volumes are orphaned.
func (g *Generator) Generate() *Dataset {
	spec := g.spec
	ds := &Dataset{
		RecordsByKind: make(map[string][]graph.Record),
		PairsByRel:    make(map[string][]ingest.Pair),
	}

	// Networks.
	nets := make([]netInfo, spec.Networks)
	for i := 0; i < spec.Networks; i++ {
		env := envNames[i%len(envNames)]
		info := netInfo{
			id:     g.id("net"),
			region: regions[i%len(regions)],
			env:    env,
		}
		nets[i] = info
		ds.RecordsByKind[schema.KindNetwork] = append(ds.RecordsByKind[schema.KindNetwork], graph.Record{
			"network_id": info.id,
			"name":       fmt.Sprintf("%s-network", env),
			"cidr":       fmt.Sprintf("10.%d.0.0/16", i),
			"region":     info.region,
		})
	}
	singleZoneNet := spec.Networks - 1

	// Subnets. Zones cycle a/b/c except in the single-zone network.
	type subnetInfo struct {
		id    string
		netIx int
	}
	var subnets []subnetInfo
	for i, net := range nets {
		for j := 0; j < spec.SubnetsPerNet; j++ {
			zone := zoneLetters[j%len(zoneLetters)]
			if i == singleZoneNet {
				zone = zoneLetters[0]
			}
			id := g.id("subnet")
			subnets = append(subnets, subnetInfo{id: id, netIx: i})
			ds.RecordsByKind[schema.KindSubnet] = append(ds.RecordsByKind[schema.KindSubnet], graph.Record{
				"subnet_id":  id,
				"name":       fmt.Sprintf("%s-%s-%02d", net.env, subnetTiers[j%len(subnetTiers)], j+1),
				"network_id": net.id,
				"zone":       net.region + zone,
				"cidr":       fmt.Sprintf("10.%d.%d.0/24", i, j*16),
			})
		}
	}

	// Firewall groups and their rules.
	var (
		regular    []groupInfo
		exposed    groupInfo
		permissive groupInfo
		unused     groupInfo
	)
	addGroup := func(netIx int, name string) groupInfo {
		info := groupInfo{id: g.id("fwg"), netIx: netIx}
		ds.RecordsByKind[schema.KindFirewallGroup] = append(ds.RecordsByKind[schema.KindFirewallGroup], graph.Record{
			"group_id":   info.id,
			"name":       name,
			"network_id": nets[netIx].id,
		})
		return info
	}
	addRule := func(group groupInfo, n int, direction, protocol, cidr string, from, to int) {
		ds.RecordsByKind[schema.KindFirewallRule] = append(ds.RecordsByKind[schema.KindFirewallRule], graph.Record{
			"rule_id":     fmt.Sprintf("%s-rule-%d", group.id, n),
			"group_id":    group.id,
			"direction":   direction,
			"protocol":    protocol,
			"source_cidr": cidr,
			"port_from":   from,
			"port_to":     to,
			"action":      "allow",
		})
	}

	for i, net := range nets {
		for j := 0; j < spec.GroupsPerNet; j++ {
			role := groupRoles[(i*spec.GroupsPerNet+j)%len(groupRoles)]
			group := addGroup(i, fmt.Sprintf("%s-%s", role, net.env))
			regular = append(regular, group)

			switch role {
			case "web-servers":
				addRule(group, 1, "inbound", "tcp", "0.0.0.0/0", 80, 80)
				addRule(group, 2, "inbound", "tcp", "0.0.0.0/0", 443, 443)
			case "api-servers":
				addRule(group, 1, "inbound", "tcp", "10.0.0.0/8", 8080, 8080)
			case "database-servers":
				addRule(group, 1, "inbound", "tcp", "10.0.0.0/8", 5432, 5432)
			case "cache-servers":
				addRule(group, 1, "inbound", "tcp", "10.0.0.0/8", 6379, 6379)
			case "bastion-hosts":
				// Restricted management access, not internet-exposed.
				addRule(group, 1, "inbound", "tcp", "203.0.113.0/24", 22, 22)
			case "monitoring":
				addRule(group, 1, "inbound", "tcp", "10.0.0.0/8", 9090, 9090)
			}
			addRule(group, 9, "outbound", "tcp", "0.0.0.0/0", 0, 65535)
		}
	}

	exposed = addGroup(0, fmt.Sprintf("exposed-ssh-%s", nets[0].env))
	addRule(exposed, 1, "inbound", "tcp", "0.0.0.0/0", 22, 22)

	permissive = addGroup(0, "allow-all-legacy")
	addRule(permissive, 1, "inbound", "tcp", "0.0.0.0/0", 0, 65535)

	unused = addGroup(singleZoneNet, "legacy-unused")
	addRule(unused, 1, "inbound", "tcp", "10.0.0.0/8", 8443, 8443)

	// Instances. Each record carries its primary group in group_id; some
	// instances get a second membership via an explicit pair.
	type instInfo struct {
		id      string
		stopped bool
	}
	groupsByNet := make(map[int][]groupInfo)
	for _, grp := range regular {
		groupsByNet[grp.netIx] = append(groupsByNet[grp.netIx], grp)
	}

	instances := make([]instInfo, 0, spec.Instances)
	addInstance := func(name, state, publicIP string, subnet subnetInfo, group groupInfo) instInfo {
		net := nets[subnet.netIx]
		info := instInfo{id: g.id("i"), stopped: state == "stopped"}
		rec := graph.Record{
			"instance_id": info.id,
			"name":        name,
			"state":       state,
			"region":      net.region,
			"subnet_id":   subnet.id,
			"group_id":    group.id,
			"private_ip":  g.ip(10),
		}
		if publicIP != "" {
			rec["public_ip"] = publicIP
		}
		ds.RecordsByKind[schema.KindInstance] = append(ds.RecordsByKind[schema.KindInstance], rec)
		instances = append(instances, info)
		return info
	}

	// Planted: one internet-reachable SSH host and one member of the
	// allow-all group, both in network 0.
	addInstance("ssh-exposed-server-1", "running", g.ip(54), subnets[0], exposed)
	addInstance("batch-archiver-1", "stopped", "", subnets[0], groupsByNet[0][0])
	addInstance("legacy-app-1", "running", g.ip(54), subnets[0], permissive)

	for i := 3; i < spec.Instances; i++ {
		subnet := subnets[i%len(subnets)]
		candidates := groupsByNet[subnet.netIx]
		if len(candidates) == 0 {
			candidates = regular
		}
		group := candidates[g.rng.Intn(len(candidates))]

		state := "running"
		if g.rng.Float64() < 0.15 {
			state = "stopped"
		}
		publicIP := ""
		if state == "running" && g.rng.Float64() < 0.4 {
			publicIP = g.ip(54)
		}
		name := fmt.Sprintf("%s-%s-%02d", appNames[i%len(appNames)], nets[subnet.netIx].env, i+1)
		info := addInstance(name, state, publicIP, subnet, group)

		// Every fourth instance joins a second group.
		if i%4 == 0 && len(candidates) > 1 {
			second := candidates[g.rng.Intn(len(candidates))]
			if second.id != group.id {
				ds.PairsByRel[schema.RelMemberOf] = append(ds.PairsByRel[schema.RelMemberOf],
					ingest.Pair{SourceID: info.id, TargetID: second.id})
			}
		}
	}

	// Volumes. Volume 0 is the planted unencrypted attachment; the last
	// two are planted orphans.
	for i := 0; i < spec.Volumes; i++ {
		rec := graph.Record{
			"volume_id":   g.id("vol"),
			"name":        fmt.Sprintf("volume-%03d", i+1),
			"volume_type": volumeTypes[i%len(volumeTypes)],
			"size_gb":     8 + g.rng.Intn(493),
			"encrypted":   g.rng.Float64() > 0.2,
		}
		orphanPlant := i >= spec.Volumes-2
		attach := !orphanPlant && (i == 0 || g.rng.Float64() < 0.7)
		if attach {
			owner := instances[g.rng.Intn(len(instances))]
			if i == 0 {
				owner = instances[0]
				rec["encrypted"] = false
			}
			rec["state"] = "in-use"
			rec["instance_id"] = owner.id
		} else {
			rec["state"] = "available"
			if i == spec.Volumes-1 {
				rec["encrypted"] = false
			}
		}
		ds.RecordsByKind[schema.KindVolume] = append(ds.RecordsByKind[schema.KindVolume], rec)
	}

	// Buckets.
	for i := 0; i < spec.Buckets; i++ {
		ds.RecordsByKind[schema.KindBucket] = append(ds.RecordsByKind[schema.KindBucket], graph.Record{
			"bucket_id": g.id("bkt"),
			"name":      fmt.Sprintf("%s-data-%03d", envNames[i%len(envNames)], i+1),
			"region":    regions[i%len(regions)],
			"public":    g.rng.Float64() < 0.1,
			"encrypted": g.rng.Float64() > 0.15,
		})
	}

	return ds
}
