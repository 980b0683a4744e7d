/*
 * Copyright 2026 The earlymem Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package buddy implements the permanent byte allocator, a buddy system over
// address ranges.
//
// Blocks carry no header. The order of a block is recomputed from the Layout
// given to Dealloc, so callers must pass the same Layout they allocated with.
package buddy

import (
	"fmt"
	"math/bits"

	"github.com/oskit/earlymem/allocator"
)

const (
	// DefaultMinBlockSize is the default minimum block size (16B).
	DefaultMinBlockSize = 16

	// DefaultMaxBlockSize is the default maximum block size (64KB).
	DefaultMaxBlockSize = 64 * 1024
)

var _ allocator.ByteAllocator = (*Allocator)(nil)

type region struct {
	start uintptr
	end   uintptr
}

// Allocator is a buddy system allocator.
type Allocator struct {
	// regions are the root-block aligned extents handed to the allocator.
	regions []region

	// freeLists holds free block addresses for each order.
	// freeLists[0] is for minBlockSize blocks (order 0).
	// freeLists[maxBlockOrder] is for maxBlockSize blocks (the largest).
	freeLists [][]uintptr

	// needsCoalesce is a hint that adjacent free blocks may exist that can be merged.
	// Set to true on Dealloc of non-max-order blocks, cleared when coalescing fails.
	needsCoalesce bool

	total uintptr
	used  uintptr

	minBlockSize  uintptr
	minBlockShift int
	maxBlockSize  uintptr
	maxBlockOrder int
}

// New creates a buddy allocator with default block sizes (16B min, 64KB max).
func New() *Allocator {
	a, err := NewWithBlockSize(DefaultMinBlockSize, DefaultMaxBlockSize)
	if err != nil {
		panic(err)
	}
	return a
}

// NewWithBlockSize creates a buddy allocator with custom block sizes.
// Both minBlock and maxBlock must be powers of two, and minBlock <= maxBlock.
// The allocator owns no memory until Init or AddMemory is called.
func NewWithBlockSize(minBlock, maxBlock uintptr) (*Allocator, error) {
	if !allocator.IsPowerOfTwo(minBlock) {
		return nil, fmt.Errorf("%w: minBlockSize must be a power of two, got %d", allocator.ErrInvalidParam, minBlock)
	}
	if !allocator.IsPowerOfTwo(maxBlock) {
		return nil, fmt.Errorf("%w: maxBlockSize must be a power of two, got %d", allocator.ErrInvalidParam, maxBlock)
	}
	if minBlock > maxBlock {
		return nil, fmt.Errorf("%w: minBlockSize (%d) must be <= maxBlockSize (%d)", allocator.ErrInvalidParam, minBlock, maxBlock)
	}

	minShift := bits.TrailingZeros64(uint64(minBlock))
	maxShift := bits.TrailingZeros64(uint64(maxBlock))
	maxOrder := maxShift - minShift

	return &Allocator{
		minBlockSize:  minBlock,
		minBlockShift: minShift,
		maxBlockSize:  maxBlock,
		maxBlockOrder: maxOrder,
		freeLists:     make([][]uintptr, maxOrder+1),
	}, nil
}

// Init drops every region and allocation and manages [start, start+size)
// instead. Partial root blocks at either end are ignored.
func (a *Allocator) Init(start, size uintptr) {
	a.regions = a.regions[:0]
	a.total = 0
	a.Reset()
	_ = a.AddMemory(start, size)
}

// AddMemory adds the root blocks inside [start, start+size).
func (a *Allocator) AddMemory(start, size uintptr) error {
	first, ok := allocator.AlignUp(start, a.maxBlockSize)
	end := allocator.AlignDown(start+size, a.maxBlockSize)
	if !ok || start+size < start || end <= first {
		return fmt.Errorf("%w: [%#x, %#x) holds no %d byte root block", allocator.ErrInvalidParam, start, start+size, a.maxBlockSize)
	}
	for _, r := range a.regions {
		if first < r.end && r.start < end {
			return fmt.Errorf("%w: [%#x, %#x) overlaps [%#x, %#x)", allocator.ErrInvalidParam, first, end, r.start, r.end)
		}
	}

	a.regions = append(a.regions, region{start: first, end: end})
	a.total += end - first
	for addr := first; addr < end; addr += a.maxBlockSize {
		a.freeLists[a.maxBlockOrder] = append(a.freeLists[a.maxBlockOrder], addr)
	}
	return nil
}

// Alloc allocates a block that holds layout.Size bytes at a multiple of
// layout.Align.
func (a *Allocator) Alloc(layout allocator.Layout) (uintptr, error) {
	if !allocator.IsPowerOfTwo(layout.Align) {
		return 0, allocator.ErrInvalidParam
	}
	size := layout.Size
	if layout.Align > size {
		// blocks are aligned to their own size
		size = layout.Align
	}
	if size > a.maxBlockSize {
		return 0, allocator.ErrNoMemory
	}
	order := a.getOrderForSize(size)

	// Fast path: exact order match
	if freeList := a.freeLists[order]; len(freeList) > 0 {
		n := len(freeList) - 1
		addr := freeList[n]
		a.freeLists[order] = freeList[:n]
		a.used += a.minBlockSize << order
		return addr, nil
	}

	return a.allocSlow(order)
}

func (a *Allocator) allocSlow(order int) (uintptr, error) {
	// Find higher order block
	foundOrder := -1
	for o := order + 1; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			foundOrder = o
			break
		}
	}

	// No block available - try coalescing
	if foundOrder == -1 {
		if !a.needsCoalesce {
			return 0, allocator.ErrNoMemory
		}
		foundOrder = a.CoalesceUntil(order)
		if foundOrder == -1 {
			a.needsCoalesce = false
			return 0, allocator.ErrNoMemory
		}
	}

	// Pop block from free list
	freeList := a.freeLists[foundOrder]
	n := len(freeList) - 1
	addr := freeList[n]
	a.freeLists[foundOrder] = freeList[:n]

	// Split until we reach required order.
	// The left half keeps the address, the right half goes to the lower order's free list.
	for foundOrder > order {
		foundOrder--
		right := addr + (a.minBlockSize << foundOrder)
		a.freeLists[foundOrder] = append(a.freeLists[foundOrder], right)
	}

	a.used += a.minBlockSize << order
	return addr, nil
}

// Dealloc returns the block at pos to the allocator. layout must be the one
// given to Alloc. Blocks are marked free but not merged until needed.
// Panics if pos doesn't belong to this allocator or is misaligned for layout.
func (a *Allocator) Dealloc(pos uintptr, layout allocator.Layout) {
	size := layout.Size
	if layout.Align > size {
		size = layout.Align
	}
	if size > a.maxBlockSize {
		panic("buddy: invalid block size")
	}
	if !a.contains(pos) {
		panic("buddy: block not in any region")
	}
	order := a.getOrderForSize(size)
	blockSize := a.minBlockSize << order
	if pos&(blockSize-1) != 0 {
		panic("buddy: misaligned block")
	}
	if a.used < blockSize {
		panic("buddy: more bytes freed than allocated")
	}

	a.freeLists[order] = append(a.freeLists[order], pos)
	a.used -= blockSize
	if order < a.maxBlockOrder {
		a.needsCoalesce = true
	}
}

// TotalBytes returns the bytes of every root block added.
func (a *Allocator) TotalBytes() uintptr {
	return a.total
}

// UsedBytes returns the bytes held by allocated blocks, including rounding.
func (a *Allocator) UsedBytes() uintptr {
	return a.used
}

// AvailableBytes returns the bytes not held by allocated blocks.
func (a *Allocator) AvailableBytes() uintptr {
	return a.total - a.used
}

// CoalesceUntil merges adjacent free buddy blocks until we have a block >= targetOrder.
// Returns the order of a suitable block found, or -1 if none available.
func (a *Allocator) CoalesceUntil(targetOrder int) int {
	for o := targetOrder; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}

	// Coalesce from order 0 up to targetOrder-1.
	// Merging at lower orders creates blocks that can be merged at higher orders.
	for order := 0; order < targetOrder; order++ {
		freeList := a.freeLists[order]
		listLen := len(freeList)
		if listLen < 2 {
			continue
		}

		// Sort so buddies are adjacent (they differ by exactly blockSize).
		// Insertion sort: free lists are small and nearly sorted.
		for i := 1; i < listLen; i++ {
			for j := i; j > 0 && freeList[j] < freeList[j-1]; j-- {
				freeList[j], freeList[j-1] = freeList[j-1], freeList[j]
			}
		}

		blockSize := a.minBlockSize << order
		n := 0 // write index for remaining blocks

		for i := 0; i < listLen; {
			addr := freeList[i]
			// The buddy of a left block (blockSize bit clear) is addr+blockSize.
			if i+1 < listLen && addr&blockSize == 0 && freeList[i+1] == addr^blockSize {
				a.freeLists[order+1] = append(a.freeLists[order+1], addr)
				i += 2
			} else {
				freeList[n] = addr
				n++
				i++
			}
		}
		a.freeLists[order] = freeList[:n]
	}

	// Check what we achieved
	for o := targetOrder; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// Reset frees every allocation. The regions stay.
func (a *Allocator) Reset() {
	for i := range a.freeLists {
		a.freeLists[i] = a.freeLists[i][:0]
	}
	for _, r := range a.regions {
		for addr := r.start; addr < r.end; addr += a.maxBlockSize {
			a.freeLists[a.maxBlockOrder] = append(a.freeLists[a.maxBlockOrder], addr)
		}
	}
	a.used = 0
	a.needsCoalesce = false
}

func (a *Allocator) contains(pos uintptr) bool {
	for _, r := range a.regions {
		if pos >= r.start && pos < r.end {
			return true
		}
	}
	return false
}

// getOrderForSize calculates the smallest order that can fit the given size.
func (a *Allocator) getOrderForSize(size uintptr) int {
	if size <= a.minBlockSize {
		return 0
	}
	return bits.Len64(uint64(size-1)) - a.minBlockShift
}
