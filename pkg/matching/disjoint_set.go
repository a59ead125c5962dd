package matching

import "sort"

// DisjointSet is a union-find over record ids with path compression and union by rank.
type DisjointSet struct {
	parent map[string]string
	rank   map[string]int
}

func NewDisjointSet() *DisjointSet {
	return &DisjointSet{
		parent: map[string]string{},
		rank:   map[string]int{},
	}
}

// Add registers id as its own set if it is not known yet.
func (d *DisjointSet) Add(id string) {
	if _, ok := d.parent[id]; !ok {
		d.parent[id] = id
	}
}

// Find returns the representative of id's set.
func (d *DisjointSet) Find(id string) string {
	d.Add(id)
	root := id
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for id != root {
		next := d.parent[id]
		d.parent[id] = root
		id = next
	}
	return root
}

// Union merges the sets holding a and b and reports whether they were separate.
func (d *DisjointSet) Union(a, b string) bool {
	ra, rb := d.Find(a), d.Find(b)
	if ra == rb {
		return false
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[ra] > d.rank[rb]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
	return true
}

// Sets returns every set with at least minSize members, each sorted, ordered by first member.
func (d *DisjointSet) Sets(minSize int) [][]string {
	byRoot := map[string][]string{}
	for id := range d.parent {
		root := d.Find(id)
		byRoot[root] = append(byRoot[root], id)
	}

	sets := make([][]string, 0, len(byRoot))
	for _, members := range byRoot {
		if len(members) < minSize {
			continue
		}
		sort.Strings(members)
		sets = append(sets, members)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i][0] < sets[j][0] })
	return sets
}
