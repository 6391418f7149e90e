// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParse_Records(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantCaller string
		wantCallee string
		wantTask   string
		wantPID    int
		wantCPU    int
	}{
		{
			name:       "arrow with space",
			line:       "task-1 [000] d..3. 100: foo <- bar",
			wantCaller: "bar",
			wantCallee: "foo",
			wantTask:   "task",
			wantPID:    1,
			wantCPU:    0,
		},
		{
			name:       "kernel format without space",
			line:       "kworker/u64:1-145123  [000] d..3.   1207319054: preempt_count_sub <-foobar",
			wantCaller: "foobar",
			wantCallee: "preempt_count_sub",
			wantTask:   "kworker/u64:1",
			wantPID:    145123,
			wantCPU:    0,
		},
		{
			name:       "task name with dashes",
			line:       "gnome-shell-2211  [003] ..... 5512.001: do_sys_poll <-__x64_sys_poll",
			wantCaller: "__x64_sys_poll",
			wantCallee: "do_sys_poll",
			wantTask:   "gnome-shell",
			wantPID:    2211,
			wantCPU:    3,
		},
		{
			name:       "idle task",
			line:       "<idle>-0       [001] d.h1. 123.456: irq_enter <-common_interrupt",
			wantCaller: "common_interrupt",
			wantCallee: "irq_enter",
			wantTask:   "<idle>",
			wantPID:    0,
			wantCPU:    1,
		},
		{
			name:       "surrounding whitespace",
			line:       "   sshd-77 [002] .... 1: tcp_sendmsg <-sock_sendmsg \n",
			wantCaller: "sock_sendmsg",
			wantCallee: "tcp_sendmsg",
			wantTask:   "sshd",
			wantPID:    77,
			wantCPU:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.line)
			if res.Kind != KindRecord {
				t.Fatalf("kind = %v, want record", res.Kind)
			}
			if res.Lost != 0 {
				t.Errorf("lost = %d, want 0 for a record line", res.Lost)
			}
			if res.Record.Caller != tt.wantCaller {
				t.Errorf("caller = %q, want %q", res.Record.Caller, tt.wantCaller)
			}
			if res.Record.Callee != tt.wantCallee {
				t.Errorf("callee = %q, want %q", res.Record.Callee, tt.wantCallee)
			}
			if res.Record.Task != tt.wantTask {
				t.Errorf("task = %q, want %q", res.Record.Task, tt.wantTask)
			}
			if res.Record.PID != tt.wantPID {
				t.Errorf("pid = %d, want %d", res.Record.PID, tt.wantPID)
			}
			if res.Record.CPU != tt.wantCPU {
				t.Errorf("cpu = %d, want %d", res.Record.CPU, tt.wantCPU)
			}
		})
	}
}

func TestParse_MalformedHeaderStillYieldsRecord(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantCaller string
		wantCallee string
	}{
		{"missing cpu bracket", "task-1 d..3. 100: foo <- bar", "bar", "foo"},
		{"non-numeric pid", "task-x [000] d..3. 100: foo <-bar", "bar", "foo"},
		{"extra tgid column", "bash-1 (    1) [000] .... 1.0: vfs_read <-ksys_read", "ksys_read", "vfs_read"},
		{"bare pair", "foo <- bar", "bar", "foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.line)
			if res.Kind != KindRecord {
				t.Fatalf("kind = %v, want record", res.Kind)
			}
			if res.Record.Caller != tt.wantCaller || res.Record.Callee != tt.wantCallee {
				t.Errorf("got %q <- %q, want %q <- %q",
					res.Record.Callee, res.Record.Caller, tt.wantCallee, tt.wantCaller)
			}
		})
	}
}

func TestParse_Lost(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"CPU:0 [LOST 5 EVENTS]", 5},
		{"CPU:2 [LOST 1305 EVENTS]", 1305},
		{"  ##### CPU 3 buffer started ####  LOST  42  EVENTS", 42},
		{"LOST 5 EVENTS <- x", 5},
		{"CPU:1 [LOST 3 EVENTS] foo <- bar", 3},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			res := Parse(tt.line)
			if res.Kind != KindLost {
				t.Fatalf("kind = %v, want lost", res.Kind)
			}
			if res.Lost != tt.want {
				t.Errorf("lost = %d, want %d", res.Lost, tt.want)
			}
			if res.Record != (CallRecord{}) {
				t.Errorf("record = %+v, want zero value for lost line", res.Record)
			}
		})
	}
}

func TestParse_Unparseable(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"# tracer: function",
		"#           TASK-PID     CPU#  TIMESTAMP  FUNCTION",
		"task-1 [000] d..3. 100: foo <-",
		"task-1 [000] d..3. 100: <- bar",
		"<-",
		"LOST many EVENTS",
		"\x00\xff\xfe garbage",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			res := Parse(line)
			if res.Kind != KindUnparseable {
				t.Errorf("kind = %v, want unparseable for %q", res.Kind, line)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	if KindRecord.String() != "record" {
		t.Errorf("KindRecord = %q", KindRecord.String())
	}
	if KindLost.String() != "lost" {
		t.Errorf("KindLost = %q", KindLost.String())
	}
	if KindUnparseable.String() != "unparseable" {
		t.Errorf("KindUnparseable = %q", KindUnparseable.String())
	}
}

func TestParseReader(t *testing.T) {
	input := strings.Join([]string{
		"task-1 [000] d..3. 100: foo <- bar",
		"task-1 [000] d..3. 101: foo <- bar",
		"CPU:0 [LOST 5 EVENTS]",
		"garbage",
	}, "\n")

	counts := make(map[Kind]int)
	err := ParseReader(context.Background(), strings.NewReader(input), func(r Result) error {
		counts[r.Kind]++
		return nil
	})
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	if counts[KindRecord] != 2 {
		t.Errorf("records = %d, want 2", counts[KindRecord])
	}
	if counts[KindLost] != 1 {
		t.Errorf("lost lines = %d, want 1", counts[KindLost])
	}
	if counts[KindUnparseable] != 1 {
		t.Errorf("unparseable = %d, want 1", counts[KindUnparseable])
	}
}

func TestParseReader_OversizedLineIsSkipped(t *testing.T) {
	huge := strings.Repeat("x", 2*maxLineBytes)
	input := "t-1 [000] .... 1: foo <- bar\n" + huge + "\n" + "t-1 [000] .... 2: foo <- bar\n"

	var got []Result
	err := ParseReader(context.Background(), strings.NewReader(input), func(r Result) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("results = %d, want 3", len(got))
	}
	if got[0].Kind != KindRecord || got[2].Kind != KindRecord {
		t.Errorf("kinds = %v, %v; want records around the long line", got[0].Kind, got[2].Kind)
	}
	if got[2].Record.Timestamp != "2" {
		t.Errorf("timestamp after long line = %q, want 2", got[2].Record.Timestamp)
	}
	if got[1].Kind != KindUnparseable {
		t.Errorf("long line kind = %v, want unparseable", got[1].Kind)
	}
	if len(got[1].Line) != oversizedPreviewBytes {
		t.Errorf("long line preview = %d bytes, want %d", len(got[1].Line), oversizedPreviewBytes)
	}
}

func TestParseReader_LongLineWithinLimit(t *testing.T) {
	callee := strings.Repeat("f", 200*1024)
	input := "t-1 [000] .... 1: " + callee + " <- bar\r\nlast <- caller"

	var got []Result
	err := ParseReader(context.Background(), strings.NewReader(input), func(r Result) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].Kind != KindRecord || got[0].Record.Callee != callee || got[0].Record.Caller != "bar" {
		t.Errorf("first = %v caller %q, want long callee record", got[0].Kind, got[0].Record.Caller)
	}
	if got[1].Record.Callee != "last" || got[1].Record.Caller != "caller" {
		t.Errorf("unterminated last line = %+v", got[1].Record)
	}
}

func TestParseReader_CallbackErrorStops(t *testing.T) {
	sentinel := errors.New("stop")
	calls := 0
	err := ParseReader(context.Background(), strings.NewReader("a <- b\nc <- d\n"), func(Result) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestParseReader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := strings.Repeat("a <- b\n", ctxCheckInterval+1)
	err := ParseReader(ctx, strings.NewReader(input), func(Result) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestParseReader_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	if err := ParseReader(nil, strings.NewReader(""), func(Result) error { return nil }); err == nil {
		t.Error("expected error for nil ctx")
	}
}
