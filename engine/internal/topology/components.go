package topology

import (
	"sort"

	"github.com/pilot-net/topomon/pkg/types"
)

// Components returns the connected components of the snapshot over active
// links of the given layer ("" = any). Devices without an active link form
// singleton components. Each component is sorted; components are ordered by
// size (largest first) then by their first device id.
func Components(snap *types.Snapshot, layer types.Layer) [][]string {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok {
			parent[x] = x
			return x
		}
		if p != x {
			parent[x] = find(p)
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for _, d := range snap.Devices {
		find(d.ID)
	}
	for _, l := range snap.Links {
		if l.Stale || (layer != "" && l.Layer != layer) {
			continue
		}
		union(l.DeviceA, l.DeviceB)
	}

	groups := make(map[string][]string)
	for id := range parent {
		root := find(id)
		groups[root] = append(groups[root], id)
	}

	out := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}
