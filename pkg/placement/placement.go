// Package placement expresses the pluggable placement policy and
// topology resolver design note from §9: "dynamic dispatch (placement
// policy, dns-to-switch resolver) becomes a narrow capability" rather
// than a class hierarchy of interchangeable strategy objects.
package placement

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/types"
)

// Policy is the narrow capability from §9:
// PlacementPolicy = fn(candidates, exclude, needed, size_hint) -> result<list<NodeId>>.
// Concrete policies are function values, not an interface hierarchy.
type Policy func(candidates []types.NodeID, exclude map[types.NodeID]bool, needed int, sizeHint int64) ([]types.NodeID, error)

// Random picks `needed` distinct nodes from candidates not in exclude,
// uniformly at random. This is the default policy (§4.5).
func Random(rnd *rand.Rand) Policy {
	return func(candidates []types.NodeID, exclude map[types.NodeID]bool, needed int, sizeHint int64) ([]types.NodeID, error) {
		pool := make([]types.NodeID, 0, len(candidates))
		for _, c := range candidates {
			if !exclude[c] {
				pool = append(pool, c)
			}
		}
		if len(pool) < needed {
			return nil, scmerr.ErrInsufficientDatanodes
		}
		rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		chosen := append([]types.NodeID(nil), pool[:needed]...)
		return chosen, nil
	}
}

// RackAware spreads the chosen nodes across as many distinct topology
// locations as possible before falling back to same-rack picks,
// consulting locationOf for each candidate's resolved location.
func RackAware(rnd *rand.Rand, locationOf func(types.NodeID) string) Policy {
	return func(candidates []types.NodeID, exclude map[types.NodeID]bool, needed int, sizeHint int64) ([]types.NodeID, error) {
		byRack := map[string][]types.NodeID{}
		for _, c := range candidates {
			if exclude[c] {
				continue
			}
			rack := locationOf(c)
			byRack[rack] = append(byRack[rack], c)
		}

		racks := make([]string, 0, len(byRack))
		for r := range byRack {
			racks = append(racks, r)
		}
		sort.Strings(racks)
		for _, r := range racks {
			rnd.Shuffle(len(byRack[r]), func(i, j int) { byRack[r][i], byRack[r][j] = byRack[r][j], byRack[r][i] })
		}

		var chosen []types.NodeID
		for len(chosen) < needed {
			progressed := false
			for _, r := range racks {
				if len(chosen) == needed {
					break
				}
				if len(byRack[r]) == 0 {
					continue
				}
				chosen = append(chosen, byRack[r][0])
				byRack[r] = byRack[r][1:]
				progressed = true
			}
			if !progressed {
				break
			}
		}

		if len(chosen) < needed {
			return nil, scmerr.ErrInsufficientDatanodes
		}
		return chosen, nil
	}
}

// MemberHash computes the stable hash of a sorted member-NodeId set
// used to detect "same three nodes" pipelines (§3, §4.5).
func MemberHash(members []types.NodeID) string {
	sorted := append([]types.NodeID(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := fnv.New64a()
	for _, m := range sorted {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// DnsToSwitch resolves a node's hostname/IP to a topology location
// string (e.g. "/dc1/rack2"), caching results and falling back to a
// default rack on resolution failure (§4.4).
type DnsToSwitch struct {
	defaultRack string
	mapping     map[string]string // hostname or IP prefix -> location, operator-supplied
	cache       map[string]string
}

// NewDnsToSwitch builds a resolver from an explicit hostname/IP-prefix
// to location mapping (the operator-configured topology map) plus a
// fallback rack used when nothing matches.
func NewDnsToSwitch(mapping map[string]string, defaultRack string) *DnsToSwitch {
	if defaultRack == "" {
		defaultRack = "/default-rack"
	}
	return &DnsToSwitch{defaultRack: defaultRack, mapping: mapping, cache: make(map[string]string)}
}

// Resolve returns the topology location for hostname/ip, consulting
// the cache first, then the configured mapping, then falling back to
// the default rack.
func (d *DnsToSwitch) Resolve(hostname, ip string) string {
	key := hostname + "|" + ip
	if loc, ok := d.cache[key]; ok {
		return loc
	}

	loc := d.resolve(hostname, ip)
	d.cache[key] = loc
	return loc
}

func (d *DnsToSwitch) resolve(hostname, ip string) string {
	if loc, ok := d.mapping[hostname]; ok {
		return loc
	}
	if loc, ok := d.mapping[ip]; ok {
		return loc
	}
	for prefix, loc := range d.mapping {
		if strings.HasSuffix(prefix, "*") && strings.HasPrefix(ip, strings.TrimSuffix(prefix, "*")) {
			return loc
		}
	}
	if net.ParseIP(ip) == nil && hostname == "" {
		return d.defaultRack
	}
	return d.defaultRack
}

// NewRand is a small helper so callers don't each need to seed their
// own source; placement does not need cryptographic randomness.
func NewRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
