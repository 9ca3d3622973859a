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

package state

import (
	"encoding/json"
	"strings"

	"github.com/wI2L/jsondiff"
)

// diffDocuments produces the RFC 6902 patch transforming before into
// after. Both inputs are marshaled documents with deterministic key
// order, so the result applies byte-for-byte after normalization.
func diffDocuments(before, after []byte) (json.RawMessage, error) {
	patch, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return json.RawMessage("[]"), nil
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// filterPatch keeps the operations touching the named slice, matching
// the /<slice> pointer prefix on both path and from.
func filterPatch(patch json.RawMessage, slice string) (json.RawMessage, bool, error) {
	if len(patch) == 0 {
		return nil, false, nil
	}
	var ops []patchOp
	if err := json.Unmarshal(patch, &ops); err != nil {
		return nil, false, err
	}
	prefix := "/" + slice
	var kept []patchOp
	for _, op := range ops {
		if pointerTouches(op.Path, prefix) || (op.From != "" && pointerTouches(op.From, prefix)) {
			kept = append(kept, op)
		}
	}
	if len(kept) == 0 {
		return nil, false, nil
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func pointerTouches(pointer, prefix string) bool {
	return pointer == prefix || strings.HasPrefix(pointer, prefix+"/")
}
