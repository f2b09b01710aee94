package tracer

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"testing"
)

func TestIndexNull(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"empty", []byte{}, -1},
		{"no null", []byte("hello"), -1},
		{"null at start", []byte{0, 1, 2, 3}, 0},
		{"null at end", []byte{1, 2, 3, 0}, 3},
		{"null in middle", []byte{1, 0, 3, 4}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := indexNull(tt.data); got != tt.want {
				t.Errorf("indexNull() = %d, want %d", got, tt.want)
			}
		})
	}
}

func startSleeper(t *testing.T) (int, func()) {
	t.Helper()
	cmd := exec.Command("sleep", "10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start test process: %v", err)
	}
	return cmd.Process.Pid, func() {
		cmd.Process.Kill()
		cmd.Wait()
	}
}

func readableAddr(t *testing.T, pid int) uintptr {
	t.Helper()
	maps, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		t.Fatalf("read process maps: %v", err)
	}
	for _, line := range bytes.Split(maps, []byte{'\n'}) {
		if bytes.Contains(line, []byte("r-x")) {
			var start uint64
			fmt.Sscanf(string(line), "%x-", &start)
			return uintptr(start)
		}
	}
	t.Fatal("no readable region found")
	return 0
}

func TestProcMemReadMemory(t *testing.T) {
	pid, cleanup := startSleeper(t)
	defer cleanup()

	addr := readableAddr(t, pid)
	mem := ProcMem{Pid: pid}

	buf := make([]byte, 16)
	n, err := mem.ReadMemory(uint64(addr), buf)
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if n == 0 {
		t.Error("ReadMemory returned 0 bytes")
	}
}

func TestProcMemExtractBytes(t *testing.T) {
	pid, cleanup := startSleeper(t)
	defer cleanup()

	addr := readableAddr(t, pid)
	mem := ProcMem{Pid: pid}

	buf, err := mem.ExtractBytes(uint64(addr), 32)
	if err != nil {
		t.Fatalf("ExtractBytes failed: %v", err)
	}
	if len(buf) != 32 {
		t.Errorf("ExtractBytes returned %d bytes, want 32", len(buf))
	}
}

func TestProcMemExtractStringCrossesPageBoundary(t *testing.T) {
	pid, cleanup := startSleeper(t)
	defer cleanup()

	base := readableAddr(t, pid)
	mem := ProcMem{Pid: pid}
	// Start close to a page boundary so the read spans two ReadMemory
	// calls inside ExtractString, exercising the same boundary logic
	// vmReadStr handles.
	addr := base + uintptr(pageSize-8)

	if _, err := mem.ExtractString(uint64(addr), 64); err != nil {
		t.Fatalf("ExtractString failed: %v", err)
	}
}
