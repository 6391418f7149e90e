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
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// fakeDwarfdump writes an executable script that ignores its arguments
// and prints body.
func fakeDwarfdump(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dwarfdump")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const dumpOutput = `cat <<'EOF'
< 1><0x0000002e>    DW_TAG_subprogram
                      DW_AT_name                  schedule
                      DW_AT_decl_file             0x00000001 /build/linux/kernel/sched/core.c
< 1><0x00000040>    DW_TAG_subprogram
                      DW_AT_name                  vfs_read
                      DW_AT_decl_file             0x00000002 /build/linux/fs/read_write.c
EOF`

func TestRunLines_YieldsTrimmedLines(t *testing.T) {
	requireShell(t)

	stream, err := RunLines(context.Background(), "sh", "-c", "printf '  one  \\ntwo\\n\\nthree'")
	require.NoError(t, err)

	var got []string
	for line := range stream.Lines() {
		got = append(got, line)
	}
	require.NoError(t, stream.Wait())
	assert.Equal(t, []string{"one", "two", "", "three"}, got)
}

func TestRunLines_SecondRangeIsEmpty(t *testing.T) {
	requireShell(t)

	stream, err := RunLines(context.Background(), "sh", "-c", "echo a")
	require.NoError(t, err)
	for range stream.Lines() {
	}
	count := 0
	for range stream.Lines() {
		count++
	}
	assert.Equal(t, 0, count)
	require.NoError(t, stream.Wait())
}

func TestRunLines_NonZeroExit(t *testing.T) {
	requireShell(t)

	stream, err := RunLines(context.Background(), "sh", "-c", "echo partial; echo 'no such file' >&2; exit 3")
	require.NoError(t, err)

	var got []string
	for line := range stream.Lines() {
		got = append(got, line)
	}
	err = stream.Wait()

	assert.Equal(t, []string{"partial"}, got, "output before the failure is still delivered")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr), "got %v", err)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "no such file")
	assert.Contains(t, cmdErr.Error(), "exited with code 3")

	assert.Same(t, err, stream.Wait(), "Wait is idempotent")
}

func TestRunLines_EarlyBreakThenWait(t *testing.T) {
	requireShell(t)

	stream, err := RunLines(context.Background(), "sh", "-c", "i=0; while [ $i -lt 20000 ]; do echo line$i; i=$((i+1)); done")
	require.NoError(t, err)

	for line := range stream.Lines() {
		assert.Equal(t, "line0", line)
		break
	}
	assert.NoError(t, stream.Wait(), "remaining output is drained so the process can exit")
}

func TestRunLines_Cancelled(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := RunLines(ctx, "sh", "-c", "echo ready; exec sleep 30")
	require.NoError(t, err)

	for line := range stream.Lines() {
		if line == "ready" {
			cancel()
		}
	}
	err = stream.Wait()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunLines_StartFailure(t *testing.T) {
	_, err := RunLines(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestCommandError_NoStderr(t *testing.T) {
	err := &CommandError{Command: "dwarfdump vmlinux", ExitCode: 1}
	assert.Equal(t, `command "dwarfdump vmlinux" exited with code 1`, err.Error())
}

func TestGenerateMapFile(t *testing.T) {
	requireShell(t)

	out := filepath.Join(t.TempDir(), DefaultMapFile)
	res, err := GenerateMapFile(context.Background(), GenerateOptions{
		DwarfdumpPath: fakeDwarfdump(t, dumpOutput),
		KernelImage:   "/boot/vmlinux-test",
		OutputPath:    out,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, "/build/linux", res.StrippedPrefix)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "schedule|/kernel/sched/core.c\nvfs_read|/fs/read_write.c\n", string(data))
}

func TestGenerateMapFile_PartialOutputKeptOnFailure(t *testing.T) {
	requireShell(t)

	out := filepath.Join(t.TempDir(), DefaultMapFile)
	body := dumpOutput + "\necho 'dwarfdump: corrupt section' >&2\nexit 2"
	res, err := GenerateMapFile(context.Background(), GenerateOptions{
		DwarfdumpPath: fakeDwarfdump(t, body),
		KernelImage:   "/boot/vmlinux-test",
		OutputPath:    out,
	})

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr), "got %v", err)
	assert.Equal(t, 2, cmdErr.ExitCode)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Entries)

	data, readErr := os.ReadFile(out)
	require.NoError(t, readErr)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestGenerateMapFile_FailureWithoutOutput(t *testing.T) {
	requireShell(t)

	out := filepath.Join(t.TempDir(), DefaultMapFile)
	res, err := GenerateMapFile(context.Background(), GenerateOptions{
		DwarfdumpPath: fakeDwarfdump(t, "echo 'cannot open' >&2; exit 1"),
		KernelImage:   "/boot/missing",
		OutputPath:    out,
	})
	assert.Nil(t, res)
	var cmdErr *CommandError
	assert.True(t, errors.As(err, &cmdErr))
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no map is written when nothing was produced")
}

func TestGenerateMapFile_RequiresImage(t *testing.T) {
	_, err := GenerateMapFile(context.Background(), GenerateOptions{})
	assert.Error(t, err)
}

func TestDefaultKernelImage(t *testing.T) {
	path, err := DefaultKernelImage()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, "/usr/lib/debug/boot/vmlinux-"))
	assert.Greater(t, len(path), len("/usr/lib/debug/boot/vmlinux-"))
}
