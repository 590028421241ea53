// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"
)

// Prefix starts every cell topic.
const Prefix = "s2:"

// MaxTagLength bounds the length of a topic tag.
const MaxTagLength = 32

// Topic codec errors.
var (
	ErrInvalidTopic = errors.New("invalid cell topic")
	ErrInvalidTag   = errors.New("invalid topic tag")
)

// For returns the topic of a cell. An empty tag selects the default family
// "s2:<cell>"; other tags produce "s2:<cell>:<tag>".
func For(cell s2.CellID, tag string) string {
	id := strconv.FormatUint(uint64(cell), 10)
	if tag == "" {
		return Prefix + id
	}
	return Prefix + id + ":" + tag
}

// ForCells returns the topics of cells for one tag, preserving order.
func ForCells(cells []s2.CellID, tag string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = For(c, tag)
	}
	return out
}

// Parse splits a cell topic into its cell and tag.
func Parse(topic string) (s2.CellID, string, error) {
	rest, ok := strings.CutPrefix(topic, Prefix)
	if !ok {
		return 0, "", ErrInvalidTopic
	}

	id, tag, tagged := strings.Cut(rest, ":")
	if id == "" || (id[0] == '0' && len(id) > 1) {
		return 0, "", ErrInvalidTopic
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidTopic
	}
	cell := s2.CellID(n)
	if !cell.IsValid() {
		return 0, "", ErrInvalidTopic
	}
	if tagged {
		if err := ValidateTag(tag); err != nil || tag == "" {
			return 0, "", ErrInvalidTopic
		}
	}
	return cell, tag, nil
}

// CellOf returns the cell a topic addresses.
func CellOf(topic string) (s2.CellID, error) {
	cell, _, err := Parse(topic)
	return cell, err
}

// TagOf returns the tag of a cell topic. The second result is false for
// untagged or malformed topics.
func TagOf(topic string) (string, bool) {
	_, tag, err := Parse(topic)
	if err != nil || tag == "" {
		return "", false
	}
	return tag, true
}

// ValidateTag checks that a tag is empty or a short lowercase word made of
// letters, digits, '-' and '_'.
func ValidateTag(tag string) error {
	if len(tag) > MaxTagLength {
		return ErrInvalidTag
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return ErrInvalidTag
		}
	}
	return nil
}

// NormalizeTag lowercases a tag and strips a leading '#'.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}
