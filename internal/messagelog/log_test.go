package messagelog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAppendWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Append(Inbound, "cfg1", "ext1", "hello", "u1", "Alice", "")

	data, err := os.ReadFile(filepath.Join(dir, "messages.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var row Row
	if err := json.Unmarshal(data[:len(data)-1], &row); err != nil {
		t.Fatalf("unmarshal row: %v (data=%q)", err, data)
	}
	if row.Direction != Inbound || row.ConfigID != "cfg1" || row.Content != "hello" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestAppendMultipleRowsOneLinePerRow(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Append(Inbound, "cfg1", "ext1", "hi", "u1", "Alice", "")
	l.Append(Outbound, "cfg1", "", "response text", "u1", "Alice", "sess1")

	f, err := os.Open(filepath.Join(dir, "messages.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var second Row
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second row: %v", err)
	}
	if second.Direction != Outbound || second.SessionID != "sess1" {
		t.Fatalf("unexpected second row: %+v", second)
	}
}

func TestAppendConcurrentSafe(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Append(Inbound, "cfg1", "", "msg", "u1", "Alice", "")
		}(i)
	}
	wg.Wait()

	f, err := os.Open(filepath.Join(dir, "messages.log"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var row Row
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			t.Fatalf("corrupted line at row %d: %v", count, err)
		}
		count++
	}
	if count != 20 {
		t.Fatalf("count = %d, want 20 (no interleaved/corrupted writes)", count)
	}
}
