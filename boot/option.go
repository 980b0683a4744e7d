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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oskit/earlymem/allocator"
	"github.com/oskit/earlymem/allocator/buddy"
)

// Option configures a Platform.
type Option struct {
	// PageSize is the page size of the early and the page-frame allocator.
	PageSize uintptr

	// HeapPages is the number of pages the permanent byte allocator receives
	// at retirement. Zero means no byte allocator is created.
	HeapPages int

	// MinBlockSize and MaxBlockSize configure the permanent byte allocator.
	// HeapPages*PageSize must hold at least one MaxBlockSize block.
	MinBlockSize uintptr
	MaxBlockSize uintptr

	// Logger receives lifecycle and failure events.
	Logger logrus.FieldLogger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		PageSize:     0x1000,
		HeapPages:    16,
		MinBlockSize: buddy.DefaultMinBlockSize,
		MaxBlockSize: buddy.DefaultMaxBlockSize,
		Logger:       logrus.StandardLogger().WithField("prefix", "earlymem"),
	}
}

func (o *Option) validate() error {
	if !allocator.IsPowerOfTwo(o.PageSize) {
		return fmt.Errorf("%w: page size %#x is not a power of two", allocator.ErrInvalidParam, o.PageSize)
	}
	if o.HeapPages < 0 {
		return fmt.Errorf("%w: negative heap pages %d", allocator.ErrInvalidParam, o.HeapPages)
	}
	if o.HeapPages == 0 {
		return nil
	}
	if _, err := buddy.NewWithBlockSize(o.MinBlockSize, o.MaxBlockSize); err != nil {
		return err
	}
	if uintptr(o.HeapPages)*o.PageSize < o.MaxBlockSize {
		return fmt.Errorf("%w: heap of %d pages cannot hold a %#x byte block", allocator.ErrInvalidParam, o.HeapPages, o.MaxBlockSize)
	}
	return nil
}
