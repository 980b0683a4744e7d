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

// Package bitmap implements the permanent page-frame allocator.
//
// Every page of the managed extent is tracked by one bit of a bitmap kept on
// the Go heap, so the allocator can only be used once the heap is up. It
// takes over the extent of the early allocator at retirement, see Reserve.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/oskit/earlymem/allocator"
)

var _ allocator.PageAllocator = (*Allocator)(nil)

// Allocator manages pages using a bitmap to track page usage.
type Allocator struct {
	start    uintptr
	numPages int
	used     int

	bitmap []byte

	// next-fit: start searching from here
	nextIdx int

	pageSize  uintptr
	pageShift int
}

// New returns an allocator for pages of pageSize bytes, which must be a power of two.
// Init or AddMemory must be called before allocating.
func New(pageSize uintptr) (*Allocator, error) {
	if !allocator.IsPowerOfTwo(pageSize) {
		return nil, fmt.Errorf("%w: page size must be a power of two, got %#x", allocator.ErrInvalidParam, pageSize)
	}
	return &Allocator{
		pageSize:  pageSize,
		pageShift: bits.TrailingZeros64(uint64(pageSize)),
	}, nil
}

// Init manages the whole pages inside [start, start+size), all of them free.
func (a *Allocator) Init(start, size uintptr) {
	first, ok := allocator.AlignUp(start, a.pageSize)
	end := allocator.AlignDown(start+size, a.pageSize)
	if !ok || end < first {
		end = first
	}

	a.start = first
	a.numPages = int((end - first) >> a.pageShift)
	a.bitmap = make([]byte, (a.numPages+7)>>3)
	a.used = 0
	a.nextIdx = 0
}

// AddMemory initializes the allocator if it has no memory yet.
// Only one extent is supported, further calls return ErrNoMemory.
func (a *Allocator) AddMemory(start, size uintptr) error {
	if a.numPages > 0 {
		return fmt.Errorf("%w: bitmap allocator already manages [%#x, %#x)", allocator.ErrNoMemory, a.start, a.end())
	}
	a.Init(start, size)
	return nil
}

// PageSize returns the page size given to New.
func (a *Allocator) PageSize() uintptr {
	return a.pageSize
}

// AllocPages allocates numPages contiguous pages whose first address is a
// multiple of alignPow2.
func (a *Allocator) AllocPages(numPages int, alignPow2 uintptr) (uintptr, error) {
	if numPages <= 0 || !allocator.IsPowerOfTwo(alignPow2) {
		return 0, allocator.ErrInvalidParam
	}
	if numPages > a.numPages-a.used {
		return 0, allocator.ErrNoMemory
	}

	first, stride, ok := a.alignedIndex(alignPow2)
	if !ok {
		return 0, allocator.ErrNoMemory
	}

	var idx int
	if numPages == 1 && stride == 1 {
		// fast path: single page
		idx = a.findFreeBit(a.nextIdx)
		if idx == -1 && a.nextIdx > 0 {
			idx = a.findFreeBit(0)
		}
	} else {
		// next-fit search with wrap around
		idx = a.findFreeRun(a.nextIdx, first, stride, numPages)
		if idx == -1 && a.nextIdx > first {
			idx = a.findFreeRun(first, first, stride, numPages)
		}
	}
	if idx == -1 {
		return 0, allocator.ErrNoMemory
	}

	a.setRange(idx, numPages, true)
	a.used += numPages
	a.nextIdx = idx + numPages
	if a.nextIdx >= a.numPages {
		a.nextIdx = 0
	}
	return a.addr(idx), nil
}

// DeallocPages returns numPages pages starting at pos.
// Panics if the pages are outside the extent or not allocated.
func (a *Allocator) DeallocPages(pos uintptr, numPages int) {
	idx, ok := a.index(pos)
	if !ok || numPages <= 0 || idx+numPages > a.numPages {
		panic("bitmap: pages not in extent")
	}
	for i := idx; i < idx+numPages; i++ {
		if !a.isSet(i) {
			panic("bitmap: double free or invalid pages")
		}
	}
	a.setRange(idx, numPages, false)
	a.used -= numPages
}

// Reserve marks every page overlapping [pos, pos+size) as allocated. It is
// used to take over pages that were handed out before this allocator existed.
// Reserving a page twice is an error.
func (a *Allocator) Reserve(pos, size uintptr) error {
	if size == 0 {
		return nil
	}
	first := allocator.AlignDown(pos, a.pageSize)
	last, ok := allocator.AlignUp(pos+size, a.pageSize)
	if !ok || pos+size < pos || first < a.start || last > a.end() {
		return fmt.Errorf("%w: [%#x, %#x) is outside [%#x, %#x)", allocator.ErrInvalidParam, pos, pos+size, a.start, a.end())
	}
	idx := int((first - a.start) >> a.pageShift)
	n := int((last - first) >> a.pageShift)
	for i := idx; i < idx+n; i++ {
		if a.isSet(i) {
			return fmt.Errorf("%w: page %#x is already in use", allocator.ErrInvalidParam, a.addr(i))
		}
	}
	a.setRange(idx, n, true)
	a.used += n
	return nil
}

// Allocated reports whether the page containing pos is in use.
func (a *Allocator) Allocated(pos uintptr) bool {
	if pos < a.start || pos >= a.end() {
		return false
	}
	return a.isSet(int((pos - a.start) >> a.pageShift))
}

// TotalPages returns the number of pages managed.
func (a *Allocator) TotalPages() int {
	return a.numPages
}

// UsedPages returns the number of allocated pages.
func (a *Allocator) UsedPages() int {
	return a.used
}

// AvailablePages returns the number of free pages.
func (a *Allocator) AvailablePages() int {
	return a.numPages - a.used
}

// Reset marks every page free.
func (a *Allocator) Reset() {
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	a.used = 0
	a.nextIdx = 0
}

func (a *Allocator) end() uintptr {
	return a.start + uintptr(a.numPages)<<a.pageShift
}

func (a *Allocator) addr(idx int) uintptr {
	return a.start + uintptr(idx)<<a.pageShift
}

func (a *Allocator) index(pos uintptr) (int, bool) {
	if pos < a.start || pos >= a.end() || pos&(a.pageSize-1) != 0 {
		return 0, false
	}
	return int((pos - a.start) >> a.pageShift), true
}

// alignedIndex returns the first page index whose address is a multiple of
// align, and the distance in pages between two such indices.
func (a *Allocator) alignedIndex(align uintptr) (first, stride int, ok bool) {
	if align <= a.pageSize {
		return 0, 1, true
	}
	base, ok := allocator.AlignUp(a.start, align)
	if !ok || base >= a.end() {
		return 0, 0, false
	}
	return int((base - a.start) >> a.pageShift), int(align >> a.pageShift), true
}

// findFreeBit finds a single free page starting from startIdx.
// Scans uint64 words using TrailingZeros64.
func (a *Allocator) findFreeBit(startIdx int) int {
	bitmap := a.bitmap
	n := len(bitmap)
	byteIdx := startIdx >> 3
	bitIdx := startIdx & 7

	// Handle partial first byte
	if bitIdx != 0 && byteIdx < n {
		b := bitmap[byteIdx] | (byte(1<<bitIdx) - 1)
		if b != 0xFF {
			idx := byteIdx<<3 + bits.TrailingZeros8(^b)
			if idx < a.numPages {
				return idx
			}
			return -1
		}
		byteIdx++
	}

	// Scan 64-bit words
	for byteIdx+8 <= n {
		val := binary.LittleEndian.Uint64(bitmap[byteIdx:])
		if val != ^uint64(0) {
			idx := byteIdx<<3 + bits.TrailingZeros64(^val)
			if idx < a.numPages {
				return idx
			}
			return -1
		}
		byteIdx += 8
	}

	// Scan remaining bytes
	for ; byteIdx < n; byteIdx++ {
		if bitmap[byteIdx] != 0xFF {
			idx := byteIdx<<3 + bits.TrailingZeros8(^bitmap[byteIdx])
			if idx < a.numPages {
				return idx
			}
			return -1
		}
	}
	return -1
}

// findFreeRun finds count contiguous free pages at an index i >= from with
// (i-first)%stride == 0. Returns -1 if not found before the end of the bitmap.
func (a *Allocator) findFreeRun(from, first, stride, count int) int {
	i := first
	if from > first {
		i = first + (from-first+stride-1)/stride*stride
	}
	for i+count <= a.numPages {
		used := a.lastSet(i, count)
		if used == -1 {
			return i
		}
		// the next candidate must start past the used page
		i = first + (used+1-first+stride-1)/stride*stride
	}
	return -1
}

// lastSet returns the highest allocated index in [idx, idx+count), or -1.
func (a *Allocator) lastSet(idx, count int) int {
	for i := idx + count - 1; i >= idx; i-- {
		if a.isSet(i) {
			return i
		}
	}
	return -1
}

// isSet returns true if the page at idx is allocated.
func (a *Allocator) isSet(idx int) bool {
	return a.bitmap[idx>>3]&(1<<(idx&7)) != 0
}

// setRange marks count pages starting at idx as used (set=true) or free (set=false).
func (a *Allocator) setRange(idx, count int, set bool) {
	if count == 0 {
		return
	}
	end := idx + count
	startByte := idx >> 3
	endByte := (end - 1) >> 3

	if startByte == endByte {
		// All bits in same byte
		mask := byte((1<<count)-1) << (idx & 7)
		if set {
			a.bitmap[startByte] |= mask
		} else {
			a.bitmap[startByte] &^= mask
		}
		return
	}

	// First byte: bits from idx&7 to 7
	firstMask := byte(0xFF) << (idx & 7)
	// Last byte: bits 0 to (end-1)&7
	lastMask := byte((1 << ((end-1)&7 + 1)) - 1)
	if set {
		a.bitmap[startByte] |= firstMask
		for i := startByte + 1; i < endByte; i++ {
			a.bitmap[i] = 0xFF
		}
		a.bitmap[endByte] |= lastMask
	} else {
		a.bitmap[startByte] &^= firstMask
		for i := startByte + 1; i < endByte; i++ {
			a.bitmap[i] = 0
		}
		a.bitmap[endByte] &^= lastMask
	}
}
