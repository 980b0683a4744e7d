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

// Package early implements the boot time memory allocator that runs before
// the heap and the page-frame allocator exist.
//
// The allocator owns a single extent and serves both byte and page requests
// from it without any metadata structure:
//
//	[ bytes-used | avail-area | pages-used ]
//	|            | -->    <-- |            |
//	start       bPos        pPos         end
//
// Bytes are allocated forward from start, pages backward from end. The byte
// zone keeps a single counter of outstanding allocations and is reclaimed as
// a whole when the counter drops to zero. The page zone is never reclaimed;
// what it holds at retirement is handed to the permanent allocators.
//
// The allocator performs no synchronization. Callers running on more than one
// CPU must serialize every call themselves.
package early

import (
	"fmt"

	"github.com/oskit/earlymem/allocator"
)

var (
	_ allocator.ByteAllocator = (*Allocator)(nil)
	_ allocator.PageAllocator = (*Allocator)(nil)
)

// Allocator is the dual-region early allocator.
// The zero value is unusable, use New.
type Allocator struct {
	start uintptr
	size  uintptr

	// bPos is the first free byte of the byte zone.
	bPos uintptr
	// pPos is the lowest used byte of the page zone.
	pPos uintptr

	// count is the number of outstanding byte allocations.
	// It is not checked against underflow, see Dealloc.
	count int

	pageSize    uintptr
	initialized bool
}

// New returns an uninitialized allocator whose page zone hands out pages of
// pageSize bytes. pageSize must be a power of two.
func New(pageSize uintptr) *Allocator {
	if !allocator.IsPowerOfTwo(pageSize) {
		panic(fmt.Sprintf("early: page size %#x is not a power of two", pageSize))
	}
	return &Allocator{pageSize: pageSize}
}

// Init hands [start, start+size) to the allocator and resets both zones.
// Calling Init again silently drops every previous allocation.
func (a *Allocator) Init(start, size uintptr) {
	a.start = start
	a.size = size
	a.bPos = start
	a.pPos = start + size
	a.count = 0
	a.initialized = true
}

// AddMemory always fails: the allocator only ever owns the extent given to Init.
func (a *Allocator) AddMemory(start, size uintptr) error {
	return fmt.Errorf("%w: early allocator cannot add [%#x, %#x)", allocator.ErrNoMemory, start, start+size)
}

// Initialized reports whether Init has been called.
func (a *Allocator) Initialized() bool {
	return a.initialized
}

// Alloc allocates layout.Size bytes aligned to layout.Align from the byte zone.
// layout.Align must be a power of two.
//
// On ErrNoMemory the allocator state is left untouched.
func (a *Allocator) Alloc(layout allocator.Layout) (uintptr, error) {
	if !a.initialized || !allocator.IsPowerOfTwo(layout.Align) {
		return 0, allocator.ErrNoMemory
	}
	start, ok := allocator.AlignUp(a.bPos, layout.Align)
	if !ok {
		return 0, allocator.ErrNoMemory
	}
	end := start + layout.Size
	if end < start || end > a.pPos {
		return 0, allocator.ErrNoMemory
	}

	a.bPos = end
	a.count++
	return start, nil
}

// Dealloc releases one byte allocation. pos and layout are not inspected,
// no per-block bookkeeping exists. When the last outstanding allocation is
// released the whole byte zone is reclaimed.
//
// Calling Dealloc more times than Alloc breaks the allocator: the counter
// goes negative and the byte zone is no longer reclaimed.
func (a *Allocator) Dealloc(pos uintptr, layout allocator.Layout) {
	a.count--
	if a.count == 0 {
		a.bPos = a.start
	}
}

// TotalBytes returns the size of the whole extent.
func (a *Allocator) TotalBytes() uintptr {
	return a.size
}

// UsedBytes returns the size of the byte zone, including alignment padding.
func (a *Allocator) UsedBytes() uintptr {
	return a.bPos - a.start
}

// AvailableBytes returns the size of the gap between the two zones.
func (a *Allocator) AvailableBytes() uintptr {
	return a.pPos - a.bPos
}

// PageSize returns the page size given to New.
func (a *Allocator) PageSize() uintptr {
	return a.pageSize
}

// AllocPages allocates numPages pages from the top of the gap. The returned
// address is rounded down to alignPow2, so alignment may consume more than
// numPages pages. That extra space is never given back.
//
// On ErrNoMemory the allocator state is left untouched.
func (a *Allocator) AllocPages(numPages int, alignPow2 uintptr) (uintptr, error) {
	if !a.initialized || numPages < 0 || !allocator.IsPowerOfTwo(alignPow2) {
		return 0, allocator.ErrNoMemory
	}
	// pPos-size must not underflow and numPages*pageSize must not overflow.
	if uintptr(numPages) > (a.pPos-a.bPos)/a.pageSize {
		return 0, allocator.ErrNoMemory
	}
	size := uintptr(numPages) * a.pageSize
	start := allocator.AlignDown(a.pPos-size, alignPow2)
	if start < a.bPos {
		return 0, allocator.ErrNoMemory
	}

	a.pPos = start
	return start, nil
}

// DeallocPages does nothing. Pages are reclaimed in bulk at retirement.
func (a *Allocator) DeallocPages(pos uintptr, numPages int) {}

// TotalPages returns the number of whole pages in the extent.
func (a *Allocator) TotalPages() int {
	return int(a.size / a.pageSize)
}

// UsedPages returns the number of pages held by the page zone.
func (a *Allocator) UsedPages() int {
	return int((a.start + a.size - a.pPos) / a.pageSize)
}

// AvailablePages returns the number of whole pages in the gap.
func (a *Allocator) AvailablePages() int {
	return int((a.pPos - a.bPos) / a.pageSize)
}

// Cursors returns the current zone boundaries and the number of outstanding
// byte allocations.
func (a *Allocator) Cursors() (bPos, pPos uintptr, count int) {
	return a.bPos, a.pPos, a.count
}

// Region returns the extent given to Init.
func (a *Allocator) Region() Range {
	return Range{Start: a.start, End: a.start + a.size}
}

// String implements fmt.Stringer.
func (a *Allocator) String() string {
	return fmt.Sprintf("early[%#x-%#x) bytes=[%#x-%#x) count=%d pages=[%#x-%#x) page=%#x",
		a.start, a.start+a.size, a.start, a.bPos, a.count, a.pPos, a.start+a.size, a.pageSize)
}
