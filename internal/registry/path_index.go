// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"sort"
	"strings"
)

// pathIndex maps object paths to object ids and supports the lexicographic
// lower-bound scan LOOKUP needs for "prefix*" queries (spec.md §4.2
// "lookup_path"). Paths are kept in a sorted slice alongside a map for O(1)
// exact lookup; insertion/removal is O(n) (shifting the slice), which this
// broker accepts because object registration is orders of magnitude rarer
// than lookups and invokes — see DESIGN.md.
type pathIndex struct {
	byPath map[string]uint32
	sorted []string
}

func newPathIndex() *pathIndex {
	return &pathIndex{byPath: make(map[string]uint32)}
}

func (p *pathIndex) insert(path string, id uint32) {
	p.byPath[path] = id
	i := sort.SearchStrings(p.sorted, path)
	p.sorted = append(p.sorted, "")
	copy(p.sorted[i+1:], p.sorted[i:])
	p.sorted[i] = path
}

func (p *pathIndex) remove(path string) {
	delete(p.byPath, path)
	i := sort.SearchStrings(p.sorted, path)
	if i < len(p.sorted) && p.sorted[i] == path {
		p.sorted = append(p.sorted[:i], p.sorted[i+1:]...)
	}
}

func (p *pathIndex) find(path string) (uint32, bool) {
	id, ok := p.byPath[path]
	return id, ok
}

// prefixScan returns the ids of all paths starting with prefix, in
// lexicographic order, starting from the lower bound of prefix (spec.md
// §4.2: "enumerates all objects whose path starts with the literal prefix
// (lexicographic scan from the lower-bound of that prefix)").
func (p *pathIndex) prefixScan(prefix string) []uint32 {
	i := sort.SearchStrings(p.sorted, prefix)
	var out []uint32
	for ; i < len(p.sorted); i++ {
		if !strings.HasPrefix(p.sorted[i], prefix) {
			break
		}
		out = append(out, p.byPath[p.sorted[i]])
	}
	return out
}
