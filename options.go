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

package coolhash

// Option provides an interface to do work on a Map while it is being
// created.
type Option interface {
	apply(m *Map)
}

type loadBorderOption float64

func (op loadBorderOption) apply(m *Map) {
	m.loadBorder = float64(op)
}

// WithLoadBorder is an option to specify the occupancy fraction above which
// the table grows. The value must lie in [MinLoadBorder, MaxLoadBorder];
// New reports ErrInvalidLoadBorder otherwise.
func WithLoadBorder(loadBorder float64) Option {
	return loadBorderOption(loadBorder)
}

type hashOption struct {
	hash Hash
}

func (op hashOption) apply(m *Map) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash pair function to use for a Map.
func WithHash(hash Hash) Option {
	return hashOption{hash}
}

type hardenedOption struct{}

func (hardenedOption) apply(m *Map) {
	m.hardened = true
}

// WithHardenedProbing is an option that forces the probe step to be odd
// whenever the capacity is even. An even step over an even capacity cycles
// through a strict subset of the slots; an odd step restores full coverage
// on power-of-two capacities at the cost of diverging from the default probe
// order.
func WithHardenedProbing() Option {
	return hardenedOption{}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots and
// controls be freed then Map.Close must be called in order to ensure
// FreeSlots and FreeControls are called.
type Allocator interface {
	// AllocSlots should return a slice equivalent to make([]Slot, n).
	AllocSlots(n int) []Slot

	// AllocControls should return a slice equivalent to make([]uint8, n).
	AllocControls(n int) []uint8

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot)

	// FreeControls can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocSlots(n int) []Slot {
	return make([]Slot, n)
}

func (defaultAllocator) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator) FreeSlots(v []Slot) {
}

func (defaultAllocator) FreeControls(v []uint8) {
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(m *Map) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specifying the Allocator to use for a Map.
func WithAllocator(allocator Allocator) Option {
	return allocatorOption{allocator}
}
