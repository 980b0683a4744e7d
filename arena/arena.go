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

// Package arena provides real memory for an allocator extent, so that the
// addresses handed out by the allocators in this module can be read and
// written in a hosted process.
package arena

import (
	"fmt"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/oskit/earlymem/allocator"
)

// Arena is a block of memory starting at an aligned address.
// Its memory is not zeroed, like RAM handed over by firmware.
//
// The memory is owned by the Go heap and stays valid as long as the Arena is
// reachable.
type Arena struct {
	buf  []byte
	base uintptr
}

// New returns an arena of size bytes whose base address is a multiple of align.
func New(size, align uintptr) (*Arena, error) {
	if !allocator.IsPowerOfTwo(align) {
		return nil, fmt.Errorf("%w: arena align %#x is not a power of two", allocator.ErrInvalidParam, align)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: empty arena", allocator.ErrInvalidParam)
	}
	total := size + align - 1
	if total < size || total > uintptr(maxInt) {
		return nil, fmt.Errorf("%w: arena of %#x bytes aligned to %#x", allocator.ErrNoMemory, size, align)
	}

	buf := dirtmake.Bytes(int(total), int(total))
	raw := uintptr(unsafe.Pointer(&buf[0]))
	base, _ := allocator.AlignUp(raw, align)
	off := base - raw
	return &Arena{
		buf:  buf[off : off+size : off+size],
		base: base,
	}, nil
}

const maxInt = int(^uint(0) >> 1)

// Base returns the first address of the arena.
func (a *Arena) Base() uintptr {
	return a.base
}

// Size returns the arena length in bytes.
func (a *Arena) Size() uintptr {
	return uintptr(len(a.buf))
}

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a *Arena) Contains(addr, n uintptr) bool {
	if addr < a.base || addr+n < addr {
		return false
	}
	return addr+n <= a.base+a.Size()
}

// Bytes returns the memory at [addr, addr+n) as a slice.
// Panics if the range is not inside the arena.
func (a *Arena) Bytes(addr, n uintptr) []byte {
	if !a.Contains(addr, n) {
		panic(fmt.Sprintf("arena: [%#x, %#x) out of [%#x, %#x)", addr, addr+n, a.base, a.base+a.Size()))
	}
	off := addr - a.base
	return a.buf[off : off+n : off+n]
}

// Zero clears [addr, addr+n).
func (a *Arena) Zero(addr, n uintptr) {
	clear(a.Bytes(addr, n))
}
