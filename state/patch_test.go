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

package state_test

import (
	"encoding/json"

	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/state"
)

type patchSuite struct{}

var _ = Suite(&patchSuite{})

func (s *patchSuite) TestDiffDocumentsEmpty(c *C) {
	doc := []byte(`{"a":1}`)
	patch, err := state.DiffDocuments(doc, doc)
	c.Assert(err, IsNil)
	c.Check(string(patch), Equals, "[]")
}

func (s *patchSuite) TestDiffDocumentsReplace(c *C) {
	patch, err := state.DiffDocuments([]byte(`{"a":1,"b":2}`), []byte(`{"a":1,"b":3}`))
	c.Assert(err, IsNil)

	var ops []map[string]interface{}
	c.Assert(json.Unmarshal(patch, &ops), IsNil)
	c.Assert(ops, HasLen, 1)
	c.Check(ops[0]["op"], Equals, "replace")
	c.Check(ops[0]["path"], Equals, "/b")
	c.Check(ops[0]["value"], Equals, float64(3))
}

func (s *patchSuite) TestFilterPatchKeepsSliceOps(c *C) {
	patch := json.RawMessage(`[
		{"op":"replace","path":"/version","value":9},
		{"op":"replace","path":"/ps2Mouse/phase","value":"ready"},
		{"op":"add","path":"/ps2MouseOther","value":1},
		{"op":"remove","path":"/frontPanel/powerSense"}
	]`)

	filtered, touched, err := state.FilterPatch(patch, "ps2Mouse")
	c.Assert(err, IsNil)
	c.Assert(touched, Equals, true)

	var ops []map[string]interface{}
	c.Assert(json.Unmarshal(filtered, &ops), IsNil)
	c.Assert(ops, HasLen, 1)
	c.Check(ops[0]["path"], Equals, "/ps2Mouse/phase")
}

func (s *patchSuite) TestFilterPatchConsidersFrom(c *C) {
	patch := json.RawMessage(`[
		{"op":"move","from":"/ps2Mouse/old","path":"/attic/old"},
		{"op":"copy","from":"/meta/x","path":"/layout/x"}
	]`)

	filtered, touched, err := state.FilterPatch(patch, "ps2Mouse")
	c.Assert(err, IsNil)
	c.Assert(touched, Equals, true)

	var ops []map[string]interface{}
	c.Assert(json.Unmarshal(filtered, &ops), IsNil)
	c.Assert(ops, HasLen, 1)
	c.Check(ops[0]["op"], Equals, "move")
	c.Check(ops[0]["from"], Equals, "/ps2Mouse/old")
}

func (s *patchSuite) TestFilterPatchNoMatch(c *C) {
	patch := json.RawMessage(`[{"op":"replace","path":"/version","value":9}]`)
	_, touched, err := state.FilterPatch(patch, "ps2Mouse")
	c.Assert(err, IsNil)
	c.Check(touched, Equals, false)

	_, touched, err = state.FilterPatch(nil, "ps2Mouse")
	c.Assert(err, IsNil)
	c.Check(touched, Equals, false)
}

func (s *patchSuite) TestFilterPatchExactSlicePath(c *C) {
	patch := json.RawMessage(`[{"op":"replace","path":"/ps2Mouse","value":{}}]`)
	filtered, touched, err := state.FilterPatch(patch, "ps2Mouse")
	c.Assert(err, IsNil)
	c.Check(touched, Equals, true)
	c.Check(string(filtered), Not(Equals), "")
}
