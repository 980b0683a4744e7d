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

// Package allocator defines the capability surface shared by the boot time
// and permanent memory allocators.
//
// An allocator may implement any subset of the three capabilities: lifecycle
// (BaseAllocator), byte allocation (ByteAllocator) and page allocation
// (PageAllocator). Higher layers discover what an allocator can do through
// type assertions on these narrow interfaces.
package allocator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMemory is returned when a request cannot be satisfied from the
	// memory the allocator owns.
	ErrNoMemory = errors.New("allocator: no memory")

	// ErrInvalidParam is returned for malformed sizes or alignments by the
	// allocators that validate their input.
	ErrInvalidParam = errors.New("allocator: invalid parameter")
)

// BaseAllocator is the lifecycle capability.
type BaseAllocator interface {
	// Init hands the memory extent [start, start+size) to the allocator.
	Init(start, size uintptr)

	// AddMemory adds another extent. Allocators that own a single extent
	// return ErrNoMemory.
	AddMemory(start, size uintptr) error
}

// ByteAllocator is the byte granularity allocation capability.
type ByteAllocator interface {
	BaseAllocator

	Alloc(layout Layout) (uintptr, error)
	Dealloc(pos uintptr, layout Layout)

	TotalBytes() uintptr
	UsedBytes() uintptr
	AvailableBytes() uintptr
}

// PageAllocator is the page granularity allocation capability.
type PageAllocator interface {
	BaseAllocator

	// PageSize is fixed for the lifetime of the allocator.
	PageSize() uintptr

	// AllocPages returns the address of numPages contiguous pages. The address
	// is a multiple of alignPow2.
	AllocPages(numPages int, alignPow2 uintptr) (uintptr, error)
	DeallocPages(pos uintptr, numPages int)

	TotalPages() int
	UsedPages() int
	AvailablePages() int
}

// Layout describes a byte allocation request.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout returns a Layout after checking that align is a power of two.
func NewLayout(size, align uintptr) (Layout, error) {
	if !IsPowerOfTwo(align) {
		return Layout{}, fmt.Errorf("%w: align %#x is not a power of two", ErrInvalidParam, align)
	}
	return Layout{Size: size, Align: align}, nil
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	return fmt.Sprintf("Layout{size: %#x, align: %#x}", l.Size, l.Align)
}

// IsPowerOfTwo reports whether x is a nonzero power of two.
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && x&(x-1) == 0
}

// AlignUp rounds addr up to a multiple of align, which must be a power of two.
// ok is false if the result does not fit in a uintptr.
func AlignUp(addr, align uintptr) (aligned uintptr, ok bool) {
	aligned = (addr + align - 1) &^ (align - 1)
	return aligned, aligned >= addr
}

// AlignDown rounds addr down to a multiple of align, which must be a power of two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}
