// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"fmt"

	"github.com/golang/geo/s2"
)

// Families lists topic tags in priority order. The empty tag is the default
// family. A nil or empty Families behaves like Families{""}.
//
// Subscriptions cover every family; a publication lands in exactly one.
type Families []string

// NewFamilies normalizes and validates tags, dropping duplicates.
func NewFamilies(tags ...string) (Families, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make(Families, 0, len(tags))
	for _, t := range tags {
		t = NormalizeTag(t)
		if err := ValidateTag(t); err != nil {
			return nil, fmt.Errorf("tag %q: %w", t, err)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func (f Families) tags() []string {
	if len(f) == 0 {
		return []string{""}
	}
	return f
}

// PublishTag returns the family a publication lands in: the requested tag
// when it is one of the families, otherwise the first family.
func (f Families) PublishTag(requested string) string {
	tags := f.tags()
	requested = NormalizeTag(requested)
	if requested == "" {
		return tags[0]
	}
	for _, t := range tags {
		if t == requested {
			return t
		}
	}
	return tags[0]
}

// Subscribe returns the topics of cells for every family.
func (f Families) Subscribe(cells []s2.CellID) []string {
	tags := f.tags()
	out := make([]string, 0, len(cells)*len(tags))
	for _, t := range tags {
		out = append(out, ForCells(cells, t)...)
	}
	return out
}

// Publish returns the topics of cells in the family selected by PublishTag.
func (f Families) Publish(cells []s2.CellID, requested string) []string {
	return ForCells(cells, f.PublishTag(requested))
}
