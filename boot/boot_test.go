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

package boot

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oskit/earlymem/allocator"
	"github.com/oskit/earlymem/allocator/early"
)

const pageSize = 0x1000

func newTestOption(heapPages int) (*Option, *test.Hook) {
	logger, hook := test.NewNullLogger()
	o := DefaultOption()
	o.HeapPages = heapPages
	o.Logger = logger
	return o, hook
}

func newTestPlatform(t *testing.T, start, size uintptr, heapPages int) (*Platform, *test.Hook) {
	t.Helper()
	o, hook := newTestOption(heapPages)
	p, err := New(start, size, o)
	require.NoError(t, err)
	return p, hook
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(o *Option)
		wantErr bool
	}{
		{"default", func(o *Option) {}, false},
		{"no_heap", func(o *Option) { o.HeapPages = 0; o.MaxBlockSize = 3 }, false},
		{"page_not_pow2", func(o *Option) { o.PageSize = 0x1800 }, true},
		{"negative_heap", func(o *Option) { o.HeapPages = -1 }, true},
		{"bad_block_size", func(o *Option) { o.MinBlockSize = 24 }, true},
		{"heap_too_small", func(o *Option) { o.HeapPages = 1 }, true},
		{"nil_logger", func(o *Option) { o.Logger = nil }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOption(16)
			tt.modify(o)
			p, err := New(0x100000, 0x100000, o)
			if tt.wantErr {
				assert.ErrorIs(t, err, allocator.ErrInvalidParam)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uintptr(0x100000), p.TotalBytes())
		})
	}

	p, err := New(0x100000, 0x100000, nil)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), p.PageSize())
}

func TestCapabilities(t *testing.T) {
	p, hook := newTestPlatform(t, 0x1000, 0x2000, 0)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "early allocator initialized", hook.LastEntry().Message)

	var bytes allocator.ByteAllocator = p.Bytes()
	var pages allocator.PageAllocator = p.Pages()

	assert.Equal(t, uintptr(0x2000), bytes.TotalBytes())
	assert.Equal(t, uintptr(0), bytes.UsedBytes())
	assert.Equal(t, uintptr(0x2000), bytes.AvailableBytes())

	pos, err := bytes.Alloc(allocator.Layout{Size: 0x10, Align: 0x10})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), pos)
	assert.Equal(t, uintptr(0x10), bytes.UsedBytes())

	pos, err = pages.AllocPages(1, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x2000), pos)
	assert.Equal(t, uintptr(0xff0), bytes.AvailableBytes())
	assert.Equal(t, 2, pages.TotalPages())
	assert.Equal(t, 1, pages.UsedPages())
	assert.Equal(t, 0, pages.AvailablePages())

	before := p.Stats()
	_, err = bytes.Alloc(allocator.Layout{Size: 0x1000, Align: 1})
	assert.ErrorIs(t, err, allocator.ErrNoMemory)
	assert.Equal(t, before, p.Stats())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "byte allocation failed", hook.LastEntry().Message)

	_, err = pages.AllocPages(1, 0x1000)
	assert.ErrorIs(t, err, allocator.ErrNoMemory)
	assert.Equal(t, "page allocation failed", hook.LastEntry().Message)
	assert.Equal(t, before, p.Stats())

	assert.ErrorIs(t, bytes.AddMemory(0x10000, 0x1000), allocator.ErrNoMemory)
}

func TestDeallocReclaim(t *testing.T) {
	p, _ := newTestPlatform(t, 0x1000, 0x2000, 0)
	l := allocator.Layout{Size: 0x20, Align: 8}

	p1, err := p.Alloc(l)
	require.NoError(t, err)
	p2, err := p.Alloc(l)
	require.NoError(t, err)

	p.Dealloc(p1, l)
	s := p.Stats()
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, uintptr(0x1040), s.BytePos)

	p.Dealloc(p2, l)
	s = p.Stats()
	assert.Equal(t, 0, s.Count)
	assert.Equal(t, uintptr(0x1000), s.BytePos)
}

func TestConcurrentAccess(t *testing.T) {
	const start, size = 0x100000, 0x400000
	p, _ := newTestPlatform(t, start, size, 0)
	l := allocator.Layout{Size: 0x40, Align: 0x10}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				pos, err := p.Alloc(l)
				if err != nil {
					continue
				}
				if i%10 == 0 {
					_, _ = p.AllocPages(1, pageSize)
				}
				p.Dealloc(pos, l)
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, 0, s.Count)
	assert.Equal(t, uintptr(start), s.BytePos)
	assert.Equal(t, 8*20, s.UsedPages)
	assert.Equal(t, s.PagePos-start, s.AvailableBytes)
}

func TestRetire(t *testing.T) {
	const start, size = 0x100000, 0x100000 // 256 pages
	p, hook := newTestPlatform(t, start, size, 16)
	l := allocator.Layout{Size: 0x30, Align: 8}

	bpos, err := p.Alloc(l)
	require.NoError(t, err)
	ppos, err := p.AllocPages(2, pageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1fe000), ppos)

	perm, err := p.Retire()
	require.NoError(t, err)
	require.NotNil(t, perm.Pages)
	require.NotNil(t, perm.Bytes)
	assert.Equal(t, "early allocator retired", hook.LastEntry().Message)

	// page zone, the byte zone page and the heap
	assert.Equal(t, 256, perm.Pages.TotalPages())
	assert.Equal(t, 2+1+16, perm.Pages.UsedPages())
	assert.True(t, perm.Pages.Allocated(bpos))
	assert.True(t, perm.Pages.Allocated(ppos))
	assert.True(t, perm.Pages.Allocated(ppos+pageSize))
	assert.False(t, perm.Pages.Allocated(0x1fd000))

	// the heap sits on the first 64k aligned free run
	heapPos, err := perm.Bytes.Alloc(allocator.Layout{Size: 100, Align: 8})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x110000), heapPos)
	assert.Equal(t, uintptr(16*pageSize), perm.Bytes.TotalBytes())

	// the early allocator is gone
	_, err = p.Alloc(l)
	assert.ErrorIs(t, err, ErrRetired)
	_, err = p.AllocPages(1, pageSize)
	assert.ErrorIs(t, err, ErrRetired)
	_, err = p.Retire()
	assert.ErrorIs(t, err, ErrRetired)
	assert.True(t, p.Stats().Retired)

	p.Init(0x500000, 0x1000)
	assert.Equal(t, early.Range{Start: start, End: start + size}, p.Stats().Region)

	// allocations made before retirement are still released through the platform
	p.Dealloc(bpos, l)
	assert.False(t, perm.Pages.Allocated(bpos))
	assert.Equal(t, 2+16, perm.Pages.UsedPages())
	p.Dealloc(bpos, l)
	assert.Equal(t, 2+16, perm.Pages.UsedPages())

	p.DeallocPages(ppos, 2)
	assert.Equal(t, 16, perm.Pages.UsedPages())
}

func TestRetireSharedPage(t *testing.T) {
	// the extent ends half way into a page
	const start, size = 0x100000, 0x10800
	p, _ := newTestPlatform(t, start, size, 0)

	ppos, err := p.AllocPages(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10f800), ppos)

	_, err = p.Alloc(allocator.Layout{Size: 0xf400, Align: 1})
	require.NoError(t, err)

	perm, err := p.Retire()
	require.NoError(t, err)
	assert.Nil(t, perm.Bytes)
	assert.Equal(t, 16, perm.Pages.TotalPages())
	assert.Equal(t, 16, perm.Pages.UsedPages())

	// the page at 0x10f000 holds both zones and stays with the pages
	p.Dealloc(start, allocator.Layout{Size: 0xf400, Align: 1})
	assert.Equal(t, 1, perm.Pages.UsedPages())
	assert.True(t, perm.Pages.Allocated(0x10f000))
}

func TestRetireEmpty(t *testing.T) {
	p, _ := newTestPlatform(t, 0x100000, 0x100000, 16)
	perm, err := p.Retire()
	require.NoError(t, err)
	assert.Equal(t, 16, perm.Pages.UsedPages())

	// heap placed at the start of the extent
	pos, err := perm.Bytes.Alloc(allocator.Layout{Size: 0x10000, Align: 1})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x100000), pos)
}

func TestRetireHeapTooLarge(t *testing.T) {
	p, _ := newTestPlatform(t, 0x100000, 0x8000, 16)
	_, err := p.Retire()
	assert.ErrorIs(t, err, allocator.ErrNoMemory)

	// a failed retirement leaves the early allocator running
	_, err = p.Alloc(allocator.Layout{Size: 8, Align: 8})
	assert.NoError(t, err)
}
