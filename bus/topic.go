// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Benchrig Systems
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package bus

import (
	"fmt"
	"regexp"
	"strings"
)

// Topic names are lowercase dotted segments. Patterns additionally
// allow "*" for exactly one segment and "#" for any tail, with "#"
// valid only as the final segment.
var validSegment = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidateTopic checks a concrete (wildcard-free) topic name.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("cannot use empty topic")
	}
	for _, seg := range strings.Split(topic, ".") {
		if !validSegment.MatchString(seg) {
			return fmt.Errorf("cannot use topic %q: invalid segment %q", topic, seg)
		}
	}
	return nil
}

// A Pattern is a compiled topic pattern.
type Pattern struct {
	raw      string
	segments []string
}

// ParsePattern compiles a topic pattern, validating the grammar.
func ParsePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("cannot use empty topic pattern")
	}
	segments := strings.Split(raw, ".")
	for i, seg := range segments {
		switch seg {
		case "*":
			// single-segment wildcard, anywhere
		case "#":
			if i != len(segments)-1 {
				return Pattern{}, fmt.Errorf("cannot use topic pattern %q: %q only matches the tail", raw, "#")
			}
		default:
			if !validSegment.MatchString(seg) {
				return Pattern{}, fmt.Errorf("cannot use topic pattern %q: invalid segment %q", raw, seg)
			}
		}
	}
	return Pattern{raw: raw, segments: segments}, nil
}

// MustParsePattern is ParsePattern for statically known patterns; it
// panics on grammar violations.
func MustParsePattern(raw string) Pattern {
	p, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	return p.raw
}

// Match reports whether the concrete topic matches the pattern.
func (p Pattern) Match(topic string) bool {
	segs := strings.Split(topic, ".")
	for i, pseg := range p.segments {
		if pseg == "#" {
			return len(segs) >= i
		}
		if i >= len(segs) {
			return false
		}
		if pseg != "*" && pseg != segs[i] {
			return false
		}
	}
	return len(segs) == len(p.segments)
}
