package fingerprint

// UnionFind is an arena-style disjoint-set over integer indices: parent and
// rank live in flat slices rather than maps, so callers index entries by
// position in their candidate slice and Find never allocates.
type UnionFind struct {
	parent []int
	rank   []int
}

// NewUnionFind creates n singleton sets.
func NewUnionFind(n int) *UnionFind {
	u := &UnionFind{
		parent: make([]int, n),
		rank:   make([]int, n),
	}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

// Find returns the root of x's set, compressing the path as it goes.
func (u *UnionFind) Find(x int) int {
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	// Path compression: repoint everything on the walk at the root.
	for u.parent[x] != root {
		u.parent[x], x = root, u.parent[x]
	}
	return root
}

// Union merges the sets containing a and b, by rank. Reports whether the
// two were previously in different sets.
func (u *UnionFind) Union(a, b int) bool {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return false
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
	return true
}

// Groups partitions all indices by root. Singleton sets are included;
// callers filter by minimum size.
func (u *UnionFind) Groups() map[int][]int {
	groups := make(map[int][]int)
	for i := range u.parent {
		root := u.Find(i)
		groups[root] = append(groups[root], i)
	}
	return groups
}
