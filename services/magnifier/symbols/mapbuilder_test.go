// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMap(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  []Entry
	}{
		{
			name: "name then file",
			lines: []string{
				"< 1><0x0000002e>    DW_TAG_subprogram",
				"DW_AT_name                  schedule",
				"DW_AT_decl_file             0x00000001 /build/kernel/sched/core.c",
			},
			want: []Entry{{Symbol: "schedule", FilePath: "/build/kernel/sched/core.c"}},
		},
		{
			name: "name without file is dropped when overwritten",
			lines: []string{
				"DW_AT_name lost_symbol",
				"DW_AT_name kept_symbol",
				"DW_AT_decl_file 0x00000002 /build/mm/slub.c",
			},
			want: []Entry{{Symbol: "kept_symbol", FilePath: "/build/mm/slub.c"}},
		},
		{
			name: "wrong token counts are ignored",
			lines: []string{
				"DW_AT_name (indexed string: 0x0000001f) task_struct",
				"DW_AT_decl_file 0x00000001",
				"DW_AT_name vfs_read",
				"DW_AT_decl_file 0x00000001 /build/fs/a b.c",
				"DW_AT_decl_file 0x00000001 /build/fs/read_write.c",
			},
			want: []Entry{{Symbol: "vfs_read", FilePath: "/build/fs/read_write.c"}},
		},
		{
			name: "file without pending name emits nothing",
			lines: []string{
				"DW_AT_decl_file 0x00000001 /build/init/main.c",
			},
			want: nil,
		},
		{
			name: "pairs are cleared after emission",
			lines: []string{
				"DW_AT_name a",
				"DW_AT_decl_file 0x1 /x/a.c",
				"DW_AT_decl_file 0x1 /x/b.c",
				"DW_AT_name b",
				"DW_AT_decl_file 0x1 /x/c.c",
			},
			want: []Entry{
				{Symbol: "a", FilePath: "/x/a.c"},
				{Symbol: "b", FilePath: "/x/c.c"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildMap(context.Background(), slices.Values(tt.lines))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildMap_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lines := make([]string, 0, 2*ctxCheckInterval)
	for i := 0; i < ctxCheckInterval; i++ {
		lines = append(lines, fmt.Sprintf("DW_AT_name f%d", i), fmt.Sprintf("DW_AT_decl_file 0x1 /src/f%d.c", i))
	}

	got, err := BuildMap(ctx, slices.Values(lines))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, got, ctxCheckInterval/2-1, "entries before the first check are kept")
}

func TestCommonPathPrefix(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"component aware", []string{"/a/b/c.c", "/a/b/d.c", "/a/x/e.c"}, "/a"},
		{"not character wise", []string{"/src/abc/x.c", "/src/abd/y.c"}, "/src"},
		{"single path", []string{"/a/b/c.c"}, "/a/b/c.c"},
		{"nothing in common", []string{"/a/x.c", "/b/y.c"}, "/"},
		{"relative", []string{"kernel/a.c", "kernel/b.c"}, "kernel"},
		{"relative nothing in common", []string{"a/x.c", "b/y.c"}, ""},
		{"mixed absolute and relative", []string{"/a/x.c", "a/y.c"}, ""},
		{"redundant separators", []string{"/a//b/./c.c", "/a/b/d.c"}, "/a/b"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CommonPathPrefix(tt.paths))
		})
	}
}

func TestStripCommonPrefix(t *testing.T) {
	entries := []Entry{
		{Symbol: "c", FilePath: "/a/b/c.c"},
		{Symbol: "d", FilePath: "/a/b/d.c"},
		{Symbol: "e", FilePath: "/a/x/e.c"},
	}

	got, prefix := StripCommonPrefix(entries, DefaultPrefixSample)
	assert.Equal(t, "/a", prefix)
	assert.Equal(t, []Entry{
		{Symbol: "c", FilePath: "/b/c.c"},
		{Symbol: "d", FilePath: "/b/d.c"},
		{Symbol: "e", FilePath: "/x/e.c"},
	}, got)
	assert.Equal(t, "/a/b/c.c", entries[0].FilePath, "input must not be modified")
}

func TestStripCommonPrefix_SampleOnlyDecidesPrefix(t *testing.T) {
	entries := []Entry{
		{Symbol: "a", FilePath: "/build/linux/kernel/a.c"},
		{Symbol: "b", FilePath: "/build/linux/mm/b.c"},
		{Symbol: "c", FilePath: "/usr/include/c.h"},
		{Symbol: "d", FilePath: "/build/linuxish/d.c"},
		{Symbol: "e", FilePath: "/build/linux/net/e.c"},
	}

	got, prefix := StripCommonPrefix(entries, 2)
	assert.Equal(t, "/build/linux", prefix)
	assert.Equal(t, "/kernel/a.c", got[0].FilePath)
	assert.Equal(t, "/mm/b.c", got[1].FilePath)
	assert.Equal(t, "/usr/include/c.h", got[2].FilePath, "entries without the prefix are untouched")
	assert.Equal(t, "/build/linuxish/d.c", got[3].FilePath, "prefix must end on a component boundary")
	assert.Equal(t, "/net/e.c", got[4].FilePath, "entries past the sample are stripped too")
}

func TestStripCommonPrefix_Empty(t *testing.T) {
	got, prefix := StripCommonPrefix(nil, DefaultPrefixSample)
	assert.Empty(t, got)
	assert.Equal(t, "", prefix)
}

func TestWriteMap(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMap(&buf, []Entry{
		{Symbol: "schedule", FilePath: "/kernel/sched/core.c"},
		{Symbol: "vfs_read", FilePath: "/fs/read_write.c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "schedule|/kernel/sched/core.c\nvfs_read|/fs/read_write.c\n", buf.String())
}

func TestWriteMapFile_LoadIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultMapFile)
	entries := []Entry{
		{Symbol: "schedule", FilePath: "/kernel/sched/core.c"},
		{Symbol: "vfs_read", FilePath: "/fs/read_write.c"},
	}
	require.NoError(t, WriteMapFile(path, entries))

	idx, err := LoadIndex(path)
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.Equal(t, 2, idx.Len())
	f, ok := idx.Lookup("vfs_read")
	assert.True(t, ok)
	assert.Equal(t, "/fs/read_write.c", f)
}

func TestWriteMapFile_BadPath(t *testing.T) {
	err := WriteMapFile(filepath.Join(t.TempDir(), "missing", "x.map"), nil)
	assert.Error(t, err)
}
