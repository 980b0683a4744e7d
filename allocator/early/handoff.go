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

package early

import "fmt"

// Range is the half open address range [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Len returns the number of bytes in r.
func (r Range) Len() uintptr {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether r holds no bytes.
func (r Range) Empty() bool {
	return r.Len() == 0
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Start, r.End)
}

// Handoff describes how the extent is split when the early allocator is
// retired in favour of the permanent allocators.
type Handoff struct {
	// Region is the whole extent.
	Region Range
	// Bytes is the part of the byte zone still referenced by outstanding
	// byte allocations. It is empty when none are outstanding.
	Bytes Range
	// Free is the gap that nobody owns.
	Free Range
	// Pages is the page zone. Its pages stay owned by whoever allocated them.
	Pages Range
	// PageSize is the page size of the early allocator.
	PageSize uintptr
}

// Retire reports the current split of the extent. It does not change the
// allocator; the caller is expected to stop using it afterwards.
func (a *Allocator) Retire() Handoff {
	h := Handoff{
		Region:   a.Region(),
		Free:     Range{Start: a.bPos, End: a.pPos},
		Pages:    Range{Start: a.pPos, End: a.start + a.size},
		PageSize: a.pageSize,
	}
	if a.count > 0 {
		h.Bytes = Range{Start: a.start, End: a.bPos}
	} else {
		// nothing outstanding, bPos may be stale after an underflow
		h.Bytes = Range{Start: a.start, End: a.start}
		h.Free.Start = a.start
	}
	return h
}
