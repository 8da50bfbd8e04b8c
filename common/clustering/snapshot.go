package clustering

import "golang.org/x/exp/slices"

// Snapshot is the set of live nodes as of Revision.
type Snapshot struct {
	Revision int64
	Nodes    []string
}

func (s *Snapshot) IsLive(nodeName string) bool {
	if s == nil {
		return false
	}
	_, found := slices.BinarySearch(s.Nodes, nodeName)
	return found
}
