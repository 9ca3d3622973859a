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
	"fmt"
	"sort"
	"sync"
	"testing"

	jsonpatch "github.com/evanphx/json-patch/v5"
	. "gopkg.in/check.v1"

	"github.com/benchrig/benchd/state"
)

// Hook up check.v1 into the "go test" runner
func Test(t *testing.T) { TestingT(t) }

type stateSuite struct{}

var _ = Suite(&stateSuite{})

type testSlice struct {
	Phase string `json:"phase"`
	Count int    `json:"count"`
}

func newStore(c *C) *state.Store {
	st, err := state.New(map[string]interface{}{
		"meta":     map[string]interface{}{"status": "starting"},
		"ps2Mouse": testSlice{Phase: "disconnected"},
	})
	c.Assert(err, IsNil)
	return st
}

// normalize re-marshals a JSON document so that comparisons are
// independent of key order and whitespace.
func normalize(c *C, raw []byte) string {
	var v interface{}
	c.Assert(json.Unmarshal(raw, &v), IsNil)
	out, err := json.Marshal(v)
	c.Assert(err, IsNil)
	return string(out)
}

func (s *stateSuite) TestNewStartsAtVersionZero(c *C) {
	st := newStore(c)
	c.Check(st.Version(), Equals, uint64(0))

	var doc map[string]json.RawMessage
	c.Assert(json.Unmarshal(st.Peek(), &doc), IsNil)
	c.Check(string(doc["version"]), Equals, "0")
	c.Check(doc["ps2Mouse"], NotNil)
	c.Check(doc["meta"], NotNil)
}

func (s *stateSuite) TestCurrentPairsVersionWithDocument(c *C) {
	st := newStore(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			if _, err := st.Set("meta", map[string]interface{}{"count": i}); err != nil {
				c.Errorf("set failed: %v", err)
				return
			}
		}
	}()

	// the returned version must always match the version entry embedded
	// in the returned document, commits notwithstanding
	for {
		version, doc := st.Current()
		var decoded struct {
			Version uint64 `json:"version"`
		}
		c.Assert(json.Unmarshal(doc, &decoded), IsNil)
		if decoded.Version != version {
			c.Fatalf("version %d disagrees with embedded document version %d", version, decoded.Version)
		}
		select {
		case <-done:
			version, doc = st.Current()
			c.Assert(json.Unmarshal(doc, &decoded), IsNil)
			c.Check(decoded.Version, Equals, version)
			c.Check(version, Equals, uint64(2000))
			return
		default:
		}
	}
}

func (s *stateSuite) TestNewRejectsReservedKey(c *C) {
	_, err := state.New(map[string]interface{}{"version": 3})
	c.Assert(err, ErrorMatches, `cannot use reserved state slice key "version"`)
}

func (s *stateSuite) TestSetBumpsVersionByOne(c *C) {
	st := newStore(c)

	v, err := st.Set("ps2Mouse", testSlice{Phase: "ready", Count: 1})
	c.Assert(err, IsNil)
	c.Check(v, Equals, uint64(1))
	c.Check(st.Version(), Equals, uint64(1))

	v, err = st.Set("ps2Mouse", testSlice{Phase: "ready", Count: 2})
	c.Assert(err, IsNil)
	c.Check(v, Equals, uint64(2))
}

func (s *stateSuite) TestSetRejectsBadKeys(c *C) {
	st := newStore(c)
	_, err := st.Set("", 1)
	c.Check(err, ErrorMatches, "cannot use empty state slice key")
	_, err = st.Set("version", 1)
	c.Check(err, ErrorMatches, `cannot use reserved state slice key "version"`)
}

func (s *stateSuite) TestUnmarshalSlice(c *C) {
	st := newStore(c)
	_, err := st.Set("ps2Mouse", testSlice{Phase: "identifying", Count: 7})
	c.Assert(err, IsNil)

	var got testSlice
	c.Assert(st.UnmarshalSlice("ps2Mouse", &got), IsNil)
	c.Check(got, DeepEquals, testSlice{Phase: "identifying", Count: 7})

	err = st.UnmarshalSlice("absent", &got)
	c.Check(err, Equals, state.ErrNoSlice)
}

func (s *stateSuite) TestPatchAppliesToPreviousSnapshot(c *C) {
	st := newStore(c)

	var commits []state.Commit
	cancel := st.Subscribe(func(commit state.Commit) {
		commits = append(commits, commit)
	})
	defer cancel()

	before := make([]byte, len(st.Peek()))
	copy(before, st.Peek())

	for i := 1; i <= 4; i++ {
		_, err := st.Set("ps2Mouse", testSlice{Phase: "ready", Count: i})
		c.Assert(err, IsNil)
	}

	c.Assert(commits, HasLen, 4)
	prev := before
	for i, commit := range commits {
		c.Check(commit.ToVersion, Equals, commit.FromVersion+1, Commentf("commit %d", i))

		patch, err := jsonpatch.DecodePatch(commit.Patch)
		c.Assert(err, IsNil)
		applied, err := patch.Apply(prev)
		c.Assert(err, IsNil)
		c.Check(normalize(c, applied), Equals, normalize(c, commit.Snapshot), Commentf("commit %d", i))
		prev = commit.Snapshot
	}
}

func (s *stateSuite) TestUnchangedSetStillBumpsWithVersionOnlyPatch(c *C) {
	st := newStore(c)
	_, err := st.Set("ps2Mouse", testSlice{Phase: "ready"})
	c.Assert(err, IsNil)

	var commit state.Commit
	cancel := st.Subscribe(func(cm state.Commit) { commit = cm })
	defer cancel()

	v, err := st.Set("ps2Mouse", testSlice{Phase: "ready"})
	c.Assert(err, IsNil)
	c.Check(v, Equals, uint64(2))

	var ops []map[string]interface{}
	c.Assert(json.Unmarshal(commit.Patch, &ops), IsNil)
	c.Assert(ops, HasLen, 1)
	c.Check(ops[0]["op"], Equals, "replace")
	c.Check(ops[0]["path"], Equals, "/version")
	c.Check(ops[0]["value"], Equals, float64(2))
}

func (s *stateSuite) TestReplaceStateDropsAbsentSlices(c *C) {
	st := newStore(c)

	v, err := st.ReplaceState(map[string]interface{}{
		"meta": map[string]interface{}{"status": "ready"},
	})
	c.Assert(err, IsNil)
	c.Check(v, Equals, uint64(1))

	_, err = st.PeekSlice("ps2Mouse")
	c.Check(err, Equals, state.ErrNoSlice)

	var meta map[string]interface{}
	c.Assert(st.UnmarshalSlice("meta", &meta), IsNil)
	c.Check(meta["status"], Equals, "ready")
}

func (s *stateSuite) TestGetSnapshotIsCallerMutable(c *C) {
	st := newStore(c)
	snap := st.GetSnapshot()
	snap["meta"] = json.RawMessage(`{"status":"mangled"}`)
	for i := range snap["ps2Mouse"] {
		snap["ps2Mouse"][i] = 'x'
	}

	var meta map[string]interface{}
	c.Assert(st.UnmarshalSlice("meta", &meta), IsNil)
	c.Check(meta["status"], Equals, "starting")
	var mouse testSlice
	c.Assert(st.UnmarshalSlice("ps2Mouse", &mouse), IsNil)
	c.Check(mouse.Phase, Equals, "disconnected")
}

func (s *stateSuite) TestSubscribeSliceFilters(c *C) {
	st := newStore(c)

	var commits []state.Commit
	cancel := st.SubscribeSlice("ps2Mouse", false, func(commit state.Commit) {
		commits = append(commits, commit)
	})
	defer cancel()

	_, err := st.Set("meta", map[string]interface{}{"status": "ready"})
	c.Assert(err, IsNil)
	c.Check(commits, HasLen, 0)

	_, err = st.Set("ps2Mouse", testSlice{Phase: "connecting"})
	c.Assert(err, IsNil)
	c.Assert(commits, HasLen, 1)

	var ops []map[string]interface{}
	c.Assert(json.Unmarshal(commits[0].Patch, &ops), IsNil)
	for _, op := range ops {
		c.Check(op["path"], Matches, "/ps2Mouse(/.*)?")
	}
}

func (s *stateSuite) TestSubscribeSliceEmitInitial(c *C) {
	st := newStore(c)

	var commits []state.Commit
	cancel := st.SubscribeSlice("ps2Mouse", true, func(commit state.Commit) {
		commits = append(commits, commit)
	})
	defer cancel()

	c.Assert(commits, HasLen, 1)
	c.Check(commits[0].FromVersion, Equals, uint64(0))
	c.Check(commits[0].ToVersion, Equals, uint64(0))
	c.Check(commits[0].Patch, IsNil)
	c.Check(normalize(c, commits[0].Snapshot), Equals, normalize(c, st.Peek()))
}

func (s *stateSuite) TestCancelStopsDelivery(c *C) {
	st := newStore(c)

	count := 0
	cancel := st.Subscribe(func(state.Commit) { count++ })

	_, err := st.Set("meta", 1)
	c.Assert(err, IsNil)
	cancel()
	_, err = st.Set("meta", 2)
	c.Assert(err, IsNil)

	c.Check(count, Equals, 1)
}

func (s *stateSuite) TestConcurrentSetsKeepVersionsContiguous(c *C) {
	st := newStore(c)

	var mu sync.Mutex
	var seen []uint64
	cancel := st.Subscribe(func(commit state.Commit) {
		mu.Lock()
		seen = append(seen, commit.ToVersion)
		mu.Unlock()
	})
	defer cancel()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.Set(fmt.Sprintf("slice%d", i%4), i)
			c.Check(err, IsNil)
		}(i)
	}
	wg.Wait()

	c.Assert(seen, HasLen, n)
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i, v := range seen {
		c.Check(v, Equals, uint64(i+1))
	}
	c.Check(st.Version(), Equals, uint64(n))
}
