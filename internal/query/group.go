package query

// Group is a set of queries sharing one scope content. Each group compiles to
// one scan engine.
type Group struct {
	Content ScopeContent
	Queries []Query
}

// Partition splits queries into groups by scope content. Groups appear in
// order of first appearance and keep the input order of their queries; every
// query lands in exactly one group.
func Partition(queries []Query) []Group {
	var groups []Group
	index := make(map[ScopeContent]int)
	for _, q := range queries {
		i, ok := index[q.Scope.Content]
		if !ok {
			i = len(groups)
			index[q.Scope.Content] = i
			groups = append(groups, Group{Content: q.Scope.Content})
		}
		groups[i].Queries = append(groups[i].Queries, q)
	}
	return groups
}

// ThreadsPerGroup divides threads between groups. The remainder is left
// unused, and every group gets at least one thread.
func ThreadsPerGroup(threads, groups int) int {
	if groups <= 0 {
		return max(1, threads)
	}
	return max(1, threads/groups)
}
