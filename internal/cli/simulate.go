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

package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oskit/earlymem/allocator"
	"github.com/oskit/earlymem/allocator/buddy"
	"github.com/oskit/earlymem/arena"
	"github.com/oskit/earlymem/boot"
)

const (
	flagNameStart     = "start"
	flagNameSize      = "size"
	flagNamePageSize  = "page-size"
	flagNameHeapPages = "heap-pages"
	flagNameBacked    = "backed"
)

type simulateConfig struct {
	base *baseConfiguration

	Start     string
	Size      string
	PageSize  string
	HeapPages int
	Backed    bool
}

func newSimulateCmd(base *baseConfiguration) *cobra.Command {
	config := &simulateConfig{base: base}
	cmd := &cobra.Command{
		Use:   "simulate [op...]",
		Short: "Replay allocation operations against an early allocator",
		Long: `Replays operations in order and prints the zone map after each of them.

Operations:
  alloc:SIZE[:ALIGN]  allocate SIZE bytes from the byte zone (ALIGN defaults to 1)
  free                release the most recent live byte allocation
  pages:N[:ALIGN]     allocate N pages from the page zone (ALIGN defaults to the page size)
  retire              hand the extent over to the permanent allocators

Numbers may be given in decimal or with a 0x prefix.`,
		Example: "earlymemctl simulate --start 0x1000 --size 0x2000 alloc:0x10:0x10 pages:1 alloc:0x1000",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.OutOrStdout(), config, args)
		},
	}
	cmd.Flags().StringVar(&config.Start, flagNameStart, "0x80000000", "first address of the extent, ignored with --backed")
	cmd.Flags().StringVar(&config.Size, flagNameSize, "0x100000", "size of the extent in bytes")
	cmd.Flags().StringVar(&config.PageSize, flagNamePageSize, "0x1000", "page size, a power of two")
	cmd.Flags().IntVar(&config.HeapPages, flagNameHeapPages, 0, "pages given to the permanent byte allocator at retirement")
	cmd.Flags().BoolVar(&config.Backed, flagNameBacked, false, "back the extent with real memory and clear every allocation")
	return cmd
}

type opKind int

const (
	opAlloc opKind = iota
	opFree
	opPages
	opRetire
)

type op struct {
	kind  opKind
	size  uintptr
	align uintptr
	pages int
	raw   string
}

type liveAlloc struct {
	pos    uintptr
	layout allocator.Layout
}

func runSimulate(w io.Writer, config *simulateConfig, args []string) error {
	start, err := parseNumber(config.Start)
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", flagNameStart, err)
	}
	size, err := parseNumber(config.Size)
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", flagNameSize, err)
	}
	pageSize, err := parseNumber(config.PageSize)
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", flagNamePageSize, err)
	}

	ops := make([]op, 0, len(args))
	for _, a := range args {
		o, err := parseOp(a, pageSize)
		if err != nil {
			return err
		}
		ops = append(ops, o)
	}

	var mem *arena.Arena
	if config.Backed {
		if mem, err = arena.New(size, pageSize); err != nil {
			return fmt.Errorf("creating backing memory: %w", err)
		}
		start = mem.Base()
	}

	opt := &boot.Option{
		PageSize:     pageSize,
		HeapPages:    config.HeapPages,
		MinBlockSize: buddy.DefaultMinBlockSize,
		MaxBlockSize: buddy.DefaultMaxBlockSize,
	}
	if config.base.log != nil {
		opt.Logger = config.base.log
	}
	p, err := boot.New(start, size, opt)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%-20s %s\n", "init", stats(p.Stats()))
	var live []liveAlloc
	for _, o := range ops {
		var result string
		switch o.kind {
		case opAlloc:
			l := allocator.Layout{Size: o.size, Align: o.align}
			pos, err := p.Alloc(l)
			if err != nil {
				result = err.Error()
				break
			}
			if mem != nil {
				mem.Zero(pos, o.size)
			}
			live = append(live, liveAlloc{pos: pos, layout: l})
			result = fmt.Sprintf("%#x", pos)
		case opFree:
			if len(live) == 0 {
				result = "nothing to free"
				break
			}
			last := live[len(live)-1]
			live = live[:len(live)-1]
			p.Dealloc(last.pos, last.layout)
			result = fmt.Sprintf("%#x", last.pos)
		case opPages:
			pos, err := p.AllocPages(o.pages, o.align)
			if err != nil {
				result = err.Error()
				break
			}
			if mem != nil {
				mem.Zero(pos, uintptr(o.pages)*pageSize)
			}
			result = fmt.Sprintf("%#x", pos)
		case opRetire:
			perm, err := p.Retire()
			if err != nil {
				result = err.Error()
				break
			}
			result = fmt.Sprintf("page-frame used=%d free=%d", perm.Pages.UsedPages(), perm.Pages.AvailablePages())
			if perm.Bytes != nil {
				result += fmt.Sprintf(" heap=%#x", perm.Bytes.TotalBytes())
			}
		}
		fmt.Fprintf(w, "%-20s -> %s\n", o.raw, result)
		fmt.Fprintf(w, "%-20s %s\n", "", stats(p.Stats()))
	}
	return nil
}

func stats(s boot.Stats) string {
	if s.Retired {
		return "retired"
	}
	return fmt.Sprintf("bytes=[%#x-%#x) count=%d gap=%#x pages=[%#x-%#x) used_pages=%d",
		s.Region.Start, s.BytePos, s.Count, s.AvailableBytes, s.PagePos, s.Region.End, s.UsedPages)
}

func parseOp(s string, pageSize uintptr) (op, error) {
	parts := strings.Split(s, ":")
	o := op{raw: s}
	var err error
	switch parts[0] {
	case "alloc":
		if len(parts) < 2 || len(parts) > 3 {
			return op{}, fmt.Errorf("invalid op %q: want alloc:SIZE[:ALIGN]", s)
		}
		o.kind = opAlloc
		o.align = 1
		if o.size, err = parseNumber(parts[1]); err != nil {
			return op{}, fmt.Errorf("invalid op %q: %w", s, err)
		}
	case "pages":
		if len(parts) < 2 || len(parts) > 3 {
			return op{}, fmt.Errorf("invalid op %q: want pages:N[:ALIGN]", s)
		}
		o.kind = opPages
		o.align = pageSize
		n, err := parseNumber(parts[1])
		if err != nil {
			return op{}, fmt.Errorf("invalid op %q: %w", s, err)
		}
		if n > uintptr(maxInt) {
			return op{}, fmt.Errorf("invalid op %q: too many pages", s)
		}
		o.pages = int(n)
	case "free", "retire":
		if len(parts) != 1 {
			return op{}, fmt.Errorf("invalid op %q: takes no arguments", s)
		}
		o.kind = opFree
		if parts[0] == "retire" {
			o.kind = opRetire
		}
		return o, nil
	default:
		return op{}, fmt.Errorf("unknown op %q", s)
	}

	if len(parts) == 3 {
		if o.align, err = parseNumber(parts[2]); err != nil {
			return op{}, fmt.Errorf("invalid op %q: %w", s, err)
		}
	}
	if !allocator.IsPowerOfTwo(o.align) {
		return op{}, fmt.Errorf("invalid op %q: alignment must be a power of two", s)
	}
	return o, nil
}

const maxInt = int(^uint(0) >> 1)

func parseNumber(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if uint64(uintptr(v)) != v {
		return 0, fmt.Errorf("%s does not fit an address", s)
	}
	return uintptr(v), nil
}
