package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// computeVersionHash digests everything that shapes the store layout:
// entity names, attribute names, types and optionality, and relationships.
// Defaults, predicates and renaming identifiers do not affect the hash.
func computeVersionHash(m *Model) string {
	var b strings.Builder
	for _, e := range sortedEntities(m) {
		fmt.Fprintf(&b, "E:%s;", e.Name)

		attrs := append([]*Attribute(nil), e.Attributes...)
		sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
		for _, a := range attrs {
			fmt.Fprintf(&b, "A:%s:%s:%t;", a.Name, a.Type, a.Optional)
		}

		rels := append([]*Relationship(nil), e.Relationships...)
		sort.Slice(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })
		for _, r := range rels {
			fmt.Fprintf(&b, "R:%s:%s:%t:%t;", r.Name, r.Destination, r.ToMany, r.Optional)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
