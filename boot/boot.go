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

// Package boot drives the early allocator during platform bootstrap and
// retires it in favour of the permanent allocators.
//
// A Platform serializes every call with a mutex, so it may be shared by
// secondary CPUs that start before the permanent allocators are ready.
// Bootstrap code receives the allocation capabilities by reference through
// Bytes and Pages.
package boot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oskit/earlymem/allocator"
	"github.com/oskit/earlymem/allocator/bitmap"
	"github.com/oskit/earlymem/allocator/buddy"
	"github.com/oskit/earlymem/allocator/early"
)

// ErrRetired is returned by allocation calls made after Retire.
var ErrRetired = errors.New("boot: early allocator retired")

var (
	_ allocator.ByteAllocator = (*Platform)(nil)
	_ allocator.PageAllocator = (*Platform)(nil)
)

// Permanent holds the allocators that replace the early allocator.
type Permanent struct {
	// Pages manages the whole extent of the early allocator.
	Pages *bitmap.Allocator
	// Bytes is the byte allocator, nil if Option.HeapPages is zero.
	Bytes *buddy.Allocator
}

// Stats is a snapshot of the early allocator.
type Stats struct {
	Region         early.Range
	BytePos        uintptr
	PagePos        uintptr
	Count          int
	UsedBytes      uintptr
	AvailableBytes uintptr
	UsedPages      int
	AvailablePages int
	Retired        bool
}

// Platform owns the early allocator for the bootstrap window.
type Platform struct {
	mu sync.Mutex

	early *early.Allocator
	opt   Option
	log   logrus.FieldLogger

	// set by Retire
	perm        *Permanent
	outstanding int
	byteZone    early.Range
}

// New creates the early allocator with the page size from o and hands it
// [start, start+size). A nil o means DefaultOption.
func New(start, size uintptr, o *Option) (*Platform, error) {
	if o == nil {
		o = DefaultOption()
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	p := &Platform{
		early: early.New(o.PageSize),
		opt:   *o,
		log:   o.Logger,
	}
	if p.log == nil {
		p.log = DefaultOption().Logger
	}
	p.Init(start, size)
	return p, nil
}

// Bytes returns the byte allocation capability.
func (p *Platform) Bytes() allocator.ByteAllocator {
	return p
}

// Pages returns the page allocation capability.
func (p *Platform) Pages() allocator.PageAllocator {
	return p
}

// Init re-initializes the early allocator, dropping every allocation.
// It has no effect after Retire.
func (p *Platform) Init(start, size uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perm != nil {
		p.log.Warn("init after retirement ignored")
		return
	}
	p.early.Init(start, size)
	p.log.WithFields(logrus.Fields{
		"start":     hex(start),
		"size":      hex(size),
		"page_size": hex(p.opt.PageSize),
	}).Info("early allocator initialized")
}

// AddMemory always fails, the early allocator owns a single extent.
func (p *Platform) AddMemory(start, size uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early.AddMemory(start, size)
}

// Alloc allocates from the byte zone of the early allocator.
func (p *Platform) Alloc(layout allocator.Layout) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perm != nil {
		return 0, ErrRetired
	}
	pos, err := p.early.Alloc(layout)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"size":      hex(layout.Size),
			"align":     hex(layout.Align),
			"available": hex(p.early.AvailableBytes()),
		}).Warn("byte allocation failed")
		return 0, err
	}
	return pos, nil
}

// Dealloc releases a byte allocation. After Retire it releases allocations
// made before retirement; the pages that held them go back to the page-frame
// allocator once the last one is released.
func (p *Platform) Dealloc(pos uintptr, layout allocator.Layout) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perm == nil {
		p.early.Dealloc(pos, layout)
		return
	}
	if p.outstanding == 0 {
		return
	}
	p.outstanding--
	if p.outstanding > 0 || p.byteZone.Empty() {
		return
	}
	p.perm.Pages.DeallocPages(p.byteZone.Start, int(p.byteZone.Len()/p.opt.PageSize))
	p.log.WithField("range", p.byteZone.String()).Info("early byte zone released")
	p.byteZone = early.Range{}
}

// TotalBytes returns the size of the early extent.
func (p *Platform) TotalBytes() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early.TotalBytes()
}

// UsedBytes returns the size of the early byte zone.
func (p *Platform) UsedBytes() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early.UsedBytes()
}

// AvailableBytes returns the gap between the early zones.
func (p *Platform) AvailableBytes() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early.AvailableBytes()
}

// PageSize returns Option.PageSize.
func (p *Platform) PageSize() uintptr {
	return p.opt.PageSize
}

// AllocPages allocates from the page zone of the early allocator.
func (p *Platform) AllocPages(numPages int, alignPow2 uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perm != nil {
		return 0, ErrRetired
	}
	pos, err := p.early.AllocPages(numPages, alignPow2)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"pages":     numPages,
			"align":     hex(alignPow2),
			"available": p.early.AvailablePages(),
		}).Warn("page allocation failed")
		return 0, err
	}
	return pos, nil
}

// DeallocPages does nothing before Retire. Afterwards the pages, which the
// page-frame allocator took over, are freed there.
func (p *Platform) DeallocPages(pos uintptr, numPages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perm == nil {
		p.early.DeallocPages(pos, numPages)
		return
	}
	p.perm.Pages.DeallocPages(pos, numPages)
}

// TotalPages returns the number of pages in the early extent.
func (p *Platform) TotalPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early.TotalPages()
}

// UsedPages returns the number of pages in the early page zone.
func (p *Platform) UsedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early.UsedPages()
}

// AvailablePages returns the number of pages in the gap between the early zones.
func (p *Platform) AvailablePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early.AvailablePages()
}

// Stats returns a snapshot of the early allocator.
func (p *Platform) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	bPos, pPos, count := p.early.Cursors()
	return Stats{
		Region:         p.early.Region(),
		BytePos:        bPos,
		PagePos:        pPos,
		Count:          count,
		UsedBytes:      p.early.UsedBytes(),
		AvailableBytes: p.early.AvailableBytes(),
		UsedPages:      p.early.UsedPages(),
		AvailablePages: p.early.AvailablePages(),
		Retired:        p.perm != nil,
	}
}

// Retire stops the early allocator and builds the permanent allocators.
//
// The page-frame allocator manages the whole early extent. Pages of the
// early page zone and pages still used by outstanding byte allocations are
// reserved there, everything else is free. The byte allocator then gets
// Option.HeapPages pages from it. Retire may only succeed once.
func (p *Platform) Retire() (*Permanent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perm != nil {
		return nil, ErrRetired
	}

	h := p.early.Retire()
	pages, err := bitmap.New(h.PageSize)
	if err != nil {
		return nil, err
	}
	pages.Init(h.Region.Start, h.Region.Len())

	pageZone := pageRange(h.Pages, h.PageSize)
	byteZone := pageRange(h.Bytes, h.PageSize)
	if byteZone.End > pageZone.Start && !pageZone.Empty() {
		// a page shared by both zones stays with the page zone
		byteZone.End = pageZone.Start
	}
	pageZone = clip(pageZone, h.Region, h.PageSize)
	byteZone = clip(byteZone, h.Region, h.PageSize)
	for _, r := range []early.Range{pageZone, byteZone} {
		if err := pages.Reserve(r.Start, r.Len()); err != nil {
			return nil, fmt.Errorf("reserving early zone %s: %w", r, err)
		}
	}

	perm := &Permanent{Pages: pages}
	if p.opt.HeapPages > 0 {
		heap, err := p.newHeap(pages)
		if err != nil {
			return nil, err
		}
		perm.Bytes = heap
	}

	_, _, count := p.early.Cursors()
	p.perm = perm
	p.outstanding = count
	p.byteZone = byteZone

	p.log.WithFields(logrus.Fields{
		"byte_zone":   byteZone.String(),
		"page_zone":   pageZone.String(),
		"outstanding": count,
		"free_pages":  pages.AvailablePages(),
	}).Info("early allocator retired")
	return perm, nil
}

func (p *Platform) newHeap(pages *bitmap.Allocator) (*buddy.Allocator, error) {
	align := p.opt.MaxBlockSize
	if align < p.opt.PageSize {
		align = p.opt.PageSize
	}
	pos, err := pages.AllocPages(p.opt.HeapPages, align)
	if err != nil {
		return nil, fmt.Errorf("allocating %d heap pages: %w", p.opt.HeapPages, err)
	}
	heap, err := buddy.NewWithBlockSize(p.opt.MinBlockSize, p.opt.MaxBlockSize)
	if err != nil {
		return nil, err
	}
	if err := heap.AddMemory(pos, uintptr(p.opt.HeapPages)*p.opt.PageSize); err != nil {
		return nil, err
	}
	return heap, nil
}

// pageRange widens r to whole pages.
func pageRange(r early.Range, pageSize uintptr) early.Range {
	if r.Empty() {
		return early.Range{}
	}
	end, ok := allocator.AlignUp(r.End, pageSize)
	if !ok {
		end = allocator.AlignDown(r.End, pageSize)
	}
	return early.Range{Start: allocator.AlignDown(r.Start, pageSize), End: end}
}

// clip limits r to the whole pages inside region.
func clip(r, region early.Range, pageSize uintptr) early.Range {
	lo, _ := allocator.AlignUp(region.Start, pageSize)
	hi := allocator.AlignDown(region.End, pageSize)
	if r.Start < lo {
		r.Start = lo
	}
	if r.End > hi {
		r.End = hi
	}
	if r.End <= r.Start {
		return early.Range{}
	}
	return r
}

func hex(v uintptr) string {
	return fmt.Sprintf("%#x", v)
}
