// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coolhash implements a hash map from int32 keys to int64 values
// using open addressing with double hashing for collision resolution. See
// https://en.wikipedia.org/wiki/Double_hashing.
//
// All entries live directly in a single slot array. A probe sequence starts
// at mainHash(key) mod capacity and repeatedly advances by a per-key step
// derived from a secondary hash, wrapping modulo the capacity. The step is
// always in [1, capacity-1], so a probe sequence visits at most capacity
// slots before repeating. Lookups stop at the first empty slot.
//
// The table grows by doubling once the occupancy crosses a configurable load
// border. Growth re-inserts every entry through the regular insert path
// rather than copying slots: the probe step of a key depends on the table
// capacity, so hashes cached before a resize are stale afterwards.
//
// The probe step is not guaranteed to be coprime with the capacity. Over an
// even capacity an even step cycles through a strict subset of the slots, so
// an insert can exhaust its probe sequence even though free slots remain.
// Put handles this by forcing another resize and retrying, which recomputes
// every step against the larger capacity. WithHardenedProbing instead
// removes the problem up front by forcing odd steps on even capacities.
//
// A Map is NOT goroutine-safe.
package coolhash

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	debug = false

	// DefaultCapacity is the slot count a Map starts with when the caller
	// has no better estimate.
	DefaultCapacity = 16

	// DefaultLoadBorder is the occupancy fraction above which the table
	// grows, unless overridden with WithLoadBorder.
	DefaultLoadBorder = 0.75

	// MinLoadBorder and MaxLoadBorder bound the values accepted by
	// WithLoadBorder.
	MinLoadBorder = 0.4
	MaxLoadBorder = 1.0

	// growthMultiplier is how much the capacity grows on every resize.
	growthMultiplier = 2

	// maxGrowRetries bounds the forced-resize-and-retry loop in putVal.
	// Every retry doubles the capacity and recomputes the probe step
	// against the new size, so hitting this bound means the probing engine
	// itself is broken; putVal panics rather than resizing forever.
	maxGrowRetries = 16

	ctrlEmpty uint8 = 0b10000000
	ctrlFull  uint8 = 0b00000000
)

// Construction-time validation errors returned by New.
var (
	ErrInvalidCapacity   = errors.New("coolhash: initial capacity must be positive")
	ErrInvalidLoadBorder = errors.New("coolhash: load border must be in [0.4, 1.0]")
)

// Hash derives the two probe hashes for a key. The main hash seeds the probe
// start index and the aux hash seeds the probe step. Replaceable via
// WithHash; any function works as long as it is deterministic per key.
type Hash func(key int32) (main, aux uint64)

// defaultHash is the absolute-value hash pair: both hashes are |key|, except
// that the minimum int32 has no 32-bit absolute value so its aux hash is
// computed from key+1. Keys are widened to 64 bits before negating so that
// math.MinInt32 produces a usable main hash for any capacity.
func defaultHash(key int32) (main, aux uint64) {
	alt := key
	if key == math.MinInt32 {
		alt = key + 1
	}
	return uint64(abs64(int64(key))), uint64(abs64(int64(alt)))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Slot holds a key, a value, and the hashes that were cached when the entry
// was inserted. hashSecondary is the probe step, which is derived from the
// capacity and therefore only valid for the capacity it was computed under;
// resize re-inserts entries instead of copying slots for exactly that
// reason.
type Slot struct {
	hashMain      uint64
	hashSecondary uint64
	key           int32
	value         int64
}

// Map is an open-addressing hash map from int32 keys to int64 values with
// Put, Get, and Len operations. Entries cannot be deleted. The zero value
// for a Map is not usable; construct one with New.
//
// A Map is NOT goroutine-safe.
type Map struct {
	// hash computes the probe hash pair for a key.
	hash Hash
	// allocator provides the slot and control memory.
	allocator Allocator
	// slots is capacity in length. A slot's contents are meaningful only
	// if the control byte at the same index is not ctrlEmpty.
	slots []Slot
	// ctrls holds one occupancy byte per slot. Probing reads only this
	// array until a key comparison is actually needed, keeping the hot
	// loop off the wider slot structs.
	ctrls []uint8
	// used is the number of filled slots.
	used int
	// loadBorder is the occupancy fraction that triggers growth.
	loadBorder float64
	// hardened forces probe steps odd on even capacities.
	hardened bool
}

// New constructs a Map with the specified initial capacity. The capacity
// must be positive; pass DefaultCapacity when in doubt. The load border and
// other behavior can be adjusted through options.
func New(initialCapacity int, options ...Option) (*Map, error) {
	m := &Map{
		hash:       defaultHash,
		allocator:  defaultAllocator{},
		loadBorder: DefaultLoadBorder,
	}
	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, initialCapacity)
	}
	if m.loadBorder < MinLoadBorder || m.loadBorder > MaxLoadBorder {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidLoadBorder, m.loadBorder)
	}

	m.slots = m.allocator.AllocSlots(initialCapacity)
	m.ctrls = m.allocator.AllocControls(initialCapacity)
	for i := range m.ctrls {
		m.ctrls[i] = ctrlEmpty
	}

	m.checkInvariants()
	return m, nil
}

// Close closes the map, releasing its memory back to the configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map) Close() {
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.allocator.FreeControls(m.ctrls)
		m.slots = nil
		m.ctrls = nil
		m.used = 0
	}
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting the value in place if an
// entry with the same key already exists. It returns the previous value and
// replaced=true when an entry was overwritten. Every int32 is a legal key;
// Put never fails.
func (m *Map) Put(key int32, value int64) (prev int64, replaced bool) {
	return m.putVal(key, value, false)
}

func (m *Map) putVal(key int32, value int64, force bool) (prev int64, replaced bool) {
	for attempt := 0; attempt < maxGrowRetries; attempt++ {
		// Grow before hashing: a resize changes the capacity and with it
		// the step modulus.
		m.checkCapacity(m.used+1, force)

		main, aux := m.hash(key)
		capacity := len(m.slots)
		step := m.probeStep(aux)
		idx := int(main % uint64(capacity))

		if debug {
			fmt.Printf("put(%d): start=%d step=%d capacity=%d\n", key, idx, step, capacity)
		}

		for i := 0; i < capacity; i++ {
			if m.ctrls[idx] == ctrlEmpty {
				m.slots[idx] = Slot{
					hashMain:      main,
					hashSecondary: uint64(step),
					key:           key,
					value:         value,
				}
				m.ctrls[idx] = ctrlFull
				m.used++
				if debug {
					fmt.Printf("put(inserting): index=%d used=%d\n", idx, m.used)
				}
				m.checkInvariants()
				return 0, false
			}
			if s := &m.slots[idx]; s.key == key {
				prev = s.value
				s.value = value
				if debug {
					fmt.Printf("put(updating): index=%d key=%d\n", idx, key)
				}
				m.checkInvariants()
				return prev, true
			}
			idx = (idx + step) % capacity
		}

		// The probe sequence cycled without reaching an empty slot, which
		// can happen when the step shares a factor with the capacity. Force
		// a resize so the next attempt probes with a fresh step over a
		// bigger table.
		force = true
	}

	panic(fmt.Sprintf("coolhash: probe space exhausted after %d forced resizes\n%s",
		maxGrowRetries, m.debugString()))
}

// Get retrieves the value for the specified key, returning ok=false if the
// key is not present. Get recomputes the hash pair against the current
// capacity; live entries' cached steps are always consistent with it, so the
// probe sequences agree.
func (m *Map) Get(key int32) (value int64, ok bool) {
	main, aux := m.hash(key)
	capacity := len(m.slots)
	step := m.probeStep(aux)
	idx := int(main % uint64(capacity))

	if debug {
		fmt.Printf("get(%d): start=%d step=%d capacity=%d\n", key, idx, step, capacity)
	}

	for i := 0; i < capacity; i++ {
		if m.ctrls[idx] == ctrlEmpty {
			return 0, false
		}
		if s := &m.slots[idx]; s.key == key {
			return s.value, true
		}
		idx = (idx + step) % capacity
	}
	return 0, false
}

// Len returns the number of entries in the map.
func (m *Map) Len() int {
	return m.used
}

// probeStep derives the probe step from the aux hash for the current
// capacity. The step is in [1, capacity-1] so consecutive probe positions
// are always distinct. A single-slot table has no valid step modulus and
// probes in place.
func (m *Map) probeStep(aux uint64) int {
	capacity := len(m.slots)
	if capacity < 2 {
		return 1
	}
	step := int(aux%uint64(capacity-1)) + 1
	if m.hardened && capacity&1 == 0 {
		// An odd step is a unit modulo any power of two, so the probe
		// sequence covers the whole table. capacity-1 is odd here, so
		// setting the low bit never pushes the step out of range.
		step |= 1
	}
	return step
}

// checkCapacity grows the table if needed entries would push the occupancy
// over the load border. When force is set the table grows unconditionally,
// to at least twice the needed size.
func (m *Map) checkCapacity(needed int, force bool) {
	capacity := len(m.slots)
	if force {
		m.resize(max(needed, capacity))
		return
	}
	if float64(needed) > float64(capacity)*m.loadBorder {
		if float64(needed) > float64(capacity)*growthMultiplier*m.loadBorder {
			// A single doubling would still leave the table over the load
			// border. Jump straight to a sufficient size.
			m.resize(int(math.Ceil(float64(needed) / m.loadBorder)))
		} else {
			m.resize(capacity)
		}
	}
}

// resize replaces the slot array with one of growthMultiplier times the base
// capacity and re-inserts every live entry through the normal insert path.
// Re-insertion is mandatory, not an optimization: cached secondary hashes
// are only valid for the capacity they were computed under, so a raw copy
// would corrupt the probe invariant.
func (m *Map) resize(baseCapacity int) {
	oldSlots, oldCtrls := m.slots, m.ctrls
	newCapacity := baseCapacity * growthMultiplier

	m.slots = m.allocator.AllocSlots(newCapacity)
	m.ctrls = m.allocator.AllocControls(newCapacity)
	for i := range m.ctrls {
		m.ctrls[i] = ctrlEmpty
	}
	m.used = 0

	if debug {
		fmt.Printf("resize: capacity=%d->%d\n", len(oldSlots), newCapacity)
	}

	for i, c := range oldCtrls {
		if c == ctrlEmpty {
			continue
		}
		s := &oldSlots[i]
		m.putVal(s.key, s.value, false)
	}

	m.allocator.FreeSlots(oldSlots)
	m.allocator.FreeControls(oldCtrls)

	m.checkInvariants()
}

func (m *Map) checkInvariants() {
	if invariants {
		if len(m.slots) != len(m.ctrls) {
			panic(fmt.Sprintf("invariant failed: %d slots but %d ctrls\n%s",
				len(m.slots), len(m.ctrls), m.debugString()))
		}

		// For every filled slot, verify the cached hashes against the
		// current capacity and verify the key is reachable through Get.
		var used int
		for i, c := range m.ctrls {
			if c == ctrlEmpty {
				continue
			}
			used++
			s := &m.slots[i]
			main, aux := m.hash(s.key)
			if s.hashMain != main {
				panic(fmt.Sprintf("invariant failed: slot(%d): key=%d cached main hash %d, expected %d\n%s",
					i, s.key, s.hashMain, main, m.debugString()))
			}
			if step := uint64(m.probeStep(aux)); s.hashSecondary != step {
				panic(fmt.Sprintf("invariant failed: slot(%d): key=%d cached step %d stale for capacity %d, expected %d\n%s",
					i, s.key, s.hashSecondary, len(m.slots), step, m.debugString()))
			}
			if v, ok := m.Get(s.key); !ok || v != s.value {
				panic(fmt.Sprintf("invariant failed: slot(%d): key=%d not reachable\n%s",
					i, s.key, m.debugString()))
			}
		}

		if used != m.used {
			panic(fmt.Sprintf("invariant failed: found %d filled slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
	}
}

func (m *Map) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  load-border=%v\n", len(m.slots), m.used, m.loadBorder)
	for i, c := range m.ctrls {
		if c == ctrlEmpty {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		s := &m.slots[i]
		fmt.Fprintf(&buf, "  %4d: key=%d value=%d [main=%d step=%d]\n",
			i, s.key, s.value, s.hashMain, s.hashSecondary)
	}
	return buf.String()
}
