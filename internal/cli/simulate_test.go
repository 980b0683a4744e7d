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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) ([]string, error) {
	t.Helper()
	cmd := New()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		lines = append(lines, strings.Join(strings.Fields(line), " "))
	}
	return lines, err
}

func TestSimulate(t *testing.T) {
	lines, err := execute(t, "simulate", "--start", "0x1000", "--size", "0x2000",
		"alloc:0x10:0x10", "pages:1", "alloc:0x1000", "free", "free", "retire", "alloc:8")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"init bytes=[0x1000-0x1000) count=0 gap=0x2000 pages=[0x3000-0x3000) used_pages=0",
		"alloc:0x10:0x10 -> 0x1000",
		"bytes=[0x1000-0x1010) count=1 gap=0x1ff0 pages=[0x3000-0x3000) used_pages=0",
		"pages:1 -> 0x2000",
		"bytes=[0x1000-0x1010) count=1 gap=0xff0 pages=[0x2000-0x3000) used_pages=1",
		"alloc:0x1000 -> allocator: no memory",
		"bytes=[0x1000-0x1010) count=1 gap=0xff0 pages=[0x2000-0x3000) used_pages=1",
		"free -> 0x1000",
		"bytes=[0x1000-0x1000) count=0 gap=0x1000 pages=[0x2000-0x3000) used_pages=1",
		"free -> nothing to free",
		"bytes=[0x1000-0x1000) count=0 gap=0x1000 pages=[0x2000-0x3000) used_pages=1",
		"retire -> page-frame used=1 free=1",
		"retired",
		"alloc:8 -> boot: early allocator retired",
		"retired",
	}, lines)
}

func TestSimulateHeap(t *testing.T) {
	lines, err := execute(t, "simulate", "--start", "0x100000", "--size", "0x40000", "--heap-pages", "16", "retire")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "retire -> page-frame used=16 free=48 heap=0x10000", lines[1])
}

func TestSimulateBacked(t *testing.T) {
	lines, err := execute(t, "simulate", "--backed", "--size", "0x4000", "alloc:16:8", "pages:2", "retire")
	require.NoError(t, err)
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[1], "alloc:16:8 -> 0x"), lines[1])
	assert.Equal(t, "retire -> page-frame used=3 free=1", lines[5])
}

func TestSimulateEnv(t *testing.T) {
	t.Setenv("EARLYMEM_SIZE", "0x4000")
	t.Setenv("EARLYMEM_PAGE_SIZE", "0x2000")
	lines, err := execute(t, "simulate", "--start", "0x10000", "pages:1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"init bytes=[0x10000-0x10000) count=0 gap=0x4000 pages=[0x14000-0x14000) used_pages=0",
		"pages:1 -> 0x12000",
		"bytes=[0x10000-0x10000) count=0 gap=0x2000 pages=[0x12000-0x14000) used_pages=1",
	}, lines)
}

func TestSimulateErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown_op", []string{"bogus"}, `unknown op "bogus"`},
		{"alloc_no_size", []string{"alloc"}, "want alloc:SIZE[:ALIGN]"},
		{"pages_too_many_parts", []string{"pages:1:2:3"}, "want pages:N[:ALIGN]"},
		{"bad_align", []string{"alloc:16:3"}, "alignment must be a power of two"},
		{"bad_number", []string{"alloc:zz"}, `invalid op "alloc:zz"`},
		{"free_args", []string{"free:1"}, "takes no arguments"},
		{"bad_size", []string{"--size", "zz"}, "invalid --size"},
		{"bad_page_size", []string{"--page-size", "0x1800"}, "page size 0x1800 is not a power of two"},
		{"bad_log_level", []string{"--log-level", "loud"}, "initializing logger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"simulate"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseOp(t *testing.T) {
	o, err := parseOp("pages:4", 0x1000)
	require.NoError(t, err)
	assert.Equal(t, op{kind: opPages, pages: 4, align: 0x1000, raw: "pages:4"}, o)

	o, err = parseOp("alloc:100:0x40", 0x1000)
	require.NoError(t, err)
	assert.Equal(t, op{kind: opAlloc, size: 100, align: 0x40, raw: "alloc:100:0x40"}, o)

	o, err = parseOp("retire", 0x1000)
	require.NoError(t, err)
	assert.Equal(t, opRetire, o.kind)
}
