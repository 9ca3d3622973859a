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

// Package state implements the authoritative application state: a single
// versioned document of named slices, mutated only through Set/ReplaceState,
// with an RFC 6902 patch emitted for every commit.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNoSlice is returned by slice accessors when the document has no
// slice with the requested name.
var ErrNoSlice = errors.New("no state slice entry for key")

// Commit describes one state transition as seen by subscribers. Patch
// is an RFC 6902 operation array transforming the version FromVersion
// document into the ToVersion one; Snapshot is the full ToVersion
// document. Both are read-only for subscribers.
type Commit struct {
	FromVersion uint64
	ToVersion   uint64
	Patch       json.RawMessage
	Snapshot    json.RawMessage
}

type subscriber struct {
	id          int
	fn          func(Commit)
	slice       string
	emitInitial bool
}

// Store holds the state document. The zero value is not usable; use New.
//
// Writers are serialized; subscriber callbacks run synchronously on the
// committing goroutine in registration order and must not mutate the
// store from within the callback.
type Store struct {
	// commitMu serializes commits and subscriber dispatch
	commitMu sync.Mutex
	// docMu guards doc, marshaled and version for readers
	docMu sync.Mutex

	doc       map[string]json.RawMessage
	marshaled []byte
	version   uint64

	subsMu  sync.Mutex
	subs    []*subscriber
	nextSub int
}

// New creates a store populated with the given initial slices at
// version 0. Slice values are marshaled once at construction.
func New(initial map[string]interface{}) (*Store, error) {
	s := &Store{
		doc: make(map[string]json.RawMessage, len(initial)+1),
	}
	for key, value := range initial {
		if err := validSliceKey(key); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cannot marshal initial slice %q: %v", key, err)
		}
		s.doc[key] = raw
	}
	s.doc["version"] = json.RawMessage("0")
	marshaled, err := json.Marshal(s.doc)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal initial state: %v", err)
	}
	s.marshaled = marshaled
	return s, nil
}

func validSliceKey(key string) error {
	if key == "" {
		return errors.New("cannot use empty state slice key")
	}
	if key == "version" {
		return errors.New(`cannot use reserved state slice key "version"`)
	}
	return nil
}

// Version returns the current document version.
func (s *Store) Version() uint64 {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.version
}

// Peek returns the current full document. The returned bytes are shared
// and must be treated as read-only.
func (s *Store) Peek() json.RawMessage {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.marshaled
}

// Current returns the version together with the matching document,
// taken under a single lock hold so the pair stays consistent against
// concurrent commits. The returned bytes must be treated as read-only.
func (s *Store) Current() (uint64, json.RawMessage) {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	return s.version, s.marshaled
}

// PeekSlice returns the current value of the named slice without
// copying. The returned bytes must be treated as read-only.
func (s *Store) PeekSlice(key string) (json.RawMessage, error) {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	raw, ok := s.doc[key]
	if !ok {
		return nil, ErrNoSlice
	}
	return raw, nil
}

// UnmarshalSlice decodes the named slice into value.
func (s *Store) UnmarshalSlice(key string, value interface{}) error {
	raw, err := s.PeekSlice(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, value); err != nil {
		return fmt.Errorf("cannot unmarshal state slice %q: %v", key, err)
	}
	return nil
}

// GetSnapshot returns a caller-mutable deep copy of the document,
// including the "version" entry.
func (s *Store) GetSnapshot() map[string]json.RawMessage {
	s.docMu.Lock()
	defer s.docMu.Unlock()
	out := make(map[string]json.RawMessage, len(s.doc))
	for key, raw := range s.doc {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		out[key] = cp
	}
	return out
}

// Set commits a new value for the named slice and returns the new
// version. The version entry always bumps, even when the value is
// unchanged.
func (s *Store) Set(key string, value interface{}) (uint64, error) {
	if err := validSliceKey(key); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("cannot marshal state slice %q: %v", key, err)
	}
	return s.commit(func(doc map[string]json.RawMessage) {
		doc[key] = raw
	})
}

// ReplaceState commits a whole new document built from the given
// slices. The version entry is still store-managed and bumps by one.
func (s *Store) ReplaceState(slices map[string]interface{}) (uint64, error) {
	next := make(map[string]json.RawMessage, len(slices)+1)
	for key, value := range slices {
		if err := validSliceKey(key); err != nil {
			return 0, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return 0, fmt.Errorf("cannot marshal state slice %q: %v", key, err)
		}
		next[key] = raw
	}
	return s.commit(func(doc map[string]json.RawMessage) {
		for key := range doc {
			if key != "version" {
				delete(doc, key)
			}
		}
		for key, raw := range next {
			doc[key] = raw
		}
	})
}

func (s *Store) commit(mutate func(doc map[string]json.RawMessage)) (uint64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.docMu.Lock()
	from := s.version
	to := from + 1
	prevMarshaled := s.marshaled

	next := make(map[string]json.RawMessage, len(s.doc))
	for key, raw := range s.doc {
		next[key] = raw
	}
	mutate(next)
	next["version"] = json.RawMessage(fmt.Sprintf("%d", to))

	nextMarshaled, err := json.Marshal(next)
	if err != nil {
		s.docMu.Unlock()
		return 0, fmt.Errorf("cannot marshal state: %v", err)
	}

	s.doc = next
	s.marshaled = nextMarshaled
	s.version = to
	s.docMu.Unlock()

	patch, err := diffDocuments(prevMarshaled, nextMarshaled)
	if err != nil {
		// the swap already happened; report the diff failure but keep
		// subscribers consistent with an explicit full replace
		patch = json.RawMessage(fmt.Sprintf(`[{"op":"replace","path":"","value":%s}]`, nextMarshaled))
	}

	commit := Commit{
		FromVersion: from,
		ToVersion:   to,
		Patch:       patch,
		Snapshot:    nextMarshaled,
	}
	s.dispatch(commit)
	return to, nil
}

func (s *Store) dispatch(commit Commit) {
	s.subsMu.Lock()
	subs := make([]*subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		if sub.slice == "" {
			sub.fn(commit)
			continue
		}
		filtered, touched, err := filterPatch(commit.Patch, sub.slice)
		if err != nil || !touched {
			continue
		}
		sub.fn(Commit{
			FromVersion: commit.FromVersion,
			ToVersion:   commit.ToVersion,
			Patch:       filtered,
			Snapshot:    commit.Snapshot,
		})
	}
}

// Subscribe registers fn to run synchronously after every commit, in
// registration order. The returned cancel unregisters it.
func (s *Store) Subscribe(fn func(Commit)) (cancel func()) {
	return s.subscribe(&subscriber{fn: fn})
}

// SubscribeSlice registers fn for commits whose patch touches the named
// slice (on either path or from of any operation). With emitInitial the
// callback fires once immediately with the current document and a nil
// patch.
func (s *Store) SubscribeSlice(key string, emitInitial bool, fn func(Commit)) (cancel func()) {
	cancel = s.subscribe(&subscriber{fn: fn, slice: key, emitInitial: emitInitial})
	if emitInitial {
		s.docMu.Lock()
		commit := Commit{
			FromVersion: s.version,
			ToVersion:   s.version,
			Snapshot:    s.marshaled,
		}
		s.docMu.Unlock()
		fn(commit)
	}
	return cancel
}

func (s *Store) subscribe(sub *subscriber) (cancel func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	sub.id = s.nextSub
	s.nextSub++
	s.subs = append(s.subs, sub)
	id := sub.id
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, other := range s.subs {
			if other.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	}
}
