// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scope provides validated, immutable paths naming nodes in
// the budget hierarchy. A path is a slash-separated chain of up to
// five segments, one per level:
//
//	global / project / task / subtask / agent-role
//
// e.g. "global/iree/tsk-4f21c09a11de/sub-1/reviewer". The first
// segment is always the literal "global"; every path roots in the
// one global scope. Paths are value types usable as map keys; the
// canonical serialization is the slash form via encoding.TextMarshaler.
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// MaxDepth is the number of levels in the hierarchy.
const MaxDepth = 5

// maxSegmentLength bounds a single path segment. Keeps composed
// identifiers (socket payloads, audit resources) comfortably short.
const maxSegmentLength = 64

// rootSegment is the mandatory first segment of every path.
const rootSegment = "global"

// ErrInvalidPath is wrapped by every parse and construction failure.
var ErrInvalidPath = errors.New("scope: invalid path")

// Level identifies the hierarchy level a path names, derived from its
// depth.
type Level int

const (
	LevelGlobal Level = iota + 1
	LevelProject
	LevelTask
	LevelSubtask
	LevelRole
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelGlobal:
		return "global"
	case LevelProject:
		return "project"
	case LevelTask:
		return "task"
	case LevelSubtask:
		return "subtask"
	case LevelRole:
		return "role"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// segmentChars is the set of bytes permitted in path segments after
// the first character: a-z, 0-9, and . _ -
var segmentChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		segmentChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		segmentChars[c] = true
	}
	segmentChars['.'] = true
	segmentChars['_'] = true
	segmentChars['-'] = true
}

// Path is a validated scope path. The zero value is not a valid path;
// construct via Parse, Global, or Child.
type Path struct {
	raw string
}

// Global returns the root path.
func Global() Path { return Path{raw: rootSegment} }

// Parse validates s and returns its Path.
func Parse(s string) (Path, error) {
	if s == "" {
		return Path{}, fmt.Errorf("scope: empty path: %w", ErrInvalidPath)
	}
	segments := strings.Split(s, "/")
	if len(segments) > MaxDepth {
		return Path{}, fmt.Errorf("scope: path %q has %d segments, maximum is %d: %w", s, len(segments), MaxDepth, ErrInvalidPath)
	}
	if segments[0] != rootSegment {
		return Path{}, fmt.Errorf("scope: path %q must root in %q: %w", s, rootSegment, ErrInvalidPath)
	}
	for i, segment := range segments {
		if err := validateSegment(segment); err != nil {
			return Path{}, fmt.Errorf("scope: path %q segment %d: %w", s, i, err)
		}
	}
	return Path{raw: s}, nil
}

// MustParse is Parse for constants and tests; panics on error.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// validateSegment enforces the per-segment rules: non-empty, at most
// maxSegmentLength bytes, leading character a-z or 0-9, remainder from
// segmentChars.
func validateSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("empty segment: %w", ErrInvalidPath)
	}
	if len(segment) > maxSegmentLength {
		return fmt.Errorf("segment %q is %d bytes, maximum is %d: %w", segment, len(segment), maxSegmentLength, ErrInvalidPath)
	}
	first := segment[0]
	if !(first >= 'a' && first <= 'z' || first >= '0' && first <= '9') {
		return fmt.Errorf("segment %q must start with a-z or 0-9: %w", segment, ErrInvalidPath)
	}
	for i := 1; i < len(segment); i++ {
		if !segmentChars[segment[i]] {
			return fmt.Errorf("segment %q has invalid character %q at position %d: %w", segment, segment[i], i, ErrInvalidPath)
		}
	}
	return nil
}

// String returns the canonical slash form.
func (p Path) String() string { return p.raw }

// IsZero reports whether p is the unusable zero value.
func (p Path) IsZero() bool { return p.raw == "" }

// Segments returns the path's segments root-first.
func (p Path) Segments() []string {
	if p.raw == "" {
		return nil
	}
	return strings.Split(p.raw, "/")
}

// Depth returns the number of segments (1 for the global root).
func (p Path) Depth() int {
	if p.raw == "" {
		return 0
	}
	return strings.Count(p.raw, "/") + 1
}

// Level returns the hierarchy level this path names.
func (p Path) Level() Level { return Level(p.Depth()) }

// Leaf returns the final segment.
func (p Path) Leaf() string {
	if i := strings.LastIndexByte(p.raw, '/'); i >= 0 {
		return p.raw[i+1:]
	}
	return p.raw
}

// Parent returns the path one level up, or false at the root.
func (p Path) Parent() (Path, bool) {
	i := strings.LastIndexByte(p.raw, '/')
	if i < 0 {
		return Path{}, false
	}
	return Path{raw: p.raw[:i]}, true
}

// Child returns p extended by one segment.
func (p Path) Child(segment string) (Path, error) {
	if p.IsZero() {
		return Path{}, fmt.Errorf("scope: child of zero path: %w", ErrInvalidPath)
	}
	if p.Depth() >= MaxDepth {
		return Path{}, fmt.Errorf("scope: path %q is already at maximum depth: %w", p.raw, ErrInvalidPath)
	}
	if err := validateSegment(segment); err != nil {
		return Path{}, fmt.Errorf("scope: child of %q: %w", p.raw, err)
	}
	return Path{raw: p.raw + "/" + segment}, nil
}

// Ancestry returns every path from the root down to p, p included.
// This is the order hierarchical budget checks walk.
func (p Path) Ancestry() []Path {
	if p.raw == "" {
		return nil
	}
	paths := make([]Path, 0, p.Depth())
	for i := 0; i < len(p.raw); i++ {
		if p.raw[i] == '/' {
			paths = append(paths, Path{raw: p.raw[:i]})
		}
	}
	return append(paths, p)
}

// IsAncestorOf reports whether other sits strictly below p.
func (p Path) IsAncestorOf(other Path) bool {
	if p.raw == "" || other.raw == "" {
		return false
	}
	return len(other.raw) > len(p.raw) &&
		strings.HasPrefix(other.raw, p.raw) &&
		other.raw[len(p.raw)] == '/'
}

// HasPrefix reports whether p is prefix itself or sits below it. This
// is the self-inclusive form of IsAncestorOf, the membership test for
// a scope subtree.
func (p Path) HasPrefix(prefix Path) bool {
	return p.raw == prefix.raw || prefix.IsAncestorOf(p)
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	if p.raw == "" {
		return nil, fmt.Errorf("scope: cannot marshal zero path")
	}
	return []byte(p.raw), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces the zero value, matching omitempty round-trips.
func (p *Path) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*p = Path{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
