package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func TestInitWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("poll_started", "interval_ms", 2000)

	recs := readRecords(t, filepath.Join(dir, "debug.log"))
	if len(recs) == 0 {
		t.Fatal("no records written")
	}
	if recs[0]["msg"] != "poll_started" {
		t.Fatalf("msg = %v", recs[0]["msg"])
	}
}

func TestNoOutputsDiscards(t *testing.T) {
	Init(Config{})
	defer Shutdown()
	Logger().Info("dropped")
	if err := DumpRingBuffer(filepath.Join(t.TempDir(), "x")); err != nil {
		t.Fatalf("DumpRingBuffer without ring: %v", err)
	}
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()
	l := ForComponent(CompMonitor)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	l.Warn("session_changed", slog.String("window_id", "@3"))

	recs := readRecords(t, filepath.Join(dir, "debug.log"))
	if len(recs) != 1 {
		t.Fatalf("want 1 record, got %d", len(recs))
	}
	if recs[0]["component"] != CompMonitor || recs[0]["window_id"] != "@3" {
		t.Fatalf("unexpected record %v", recs[0])
	}
}

func TestLevelFilter(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("hidden")
	Logger().Error("shown")

	recs := readRecords(t, filepath.Join(dir, "debug.log"))
	if len(recs) != 1 || recs[0]["msg"] != "shown" {
		t.Fatalf("unexpected records %v", recs)
	}
}

func TestMirrorReceivesRecords(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Mirror: &buf, Format: "text"})
	defer Shutdown()

	ForComponent(CompDispatch).Info("message_sent")
	if !bytes.Contains(buf.Bytes(), []byte("message_sent")) {
		t.Fatalf("mirror missing record: %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("component=dispatch")) {
		t.Fatalf("mirror missing component: %q", buf.String())
	}
}

func TestRingBufferKeepsTail(t *testing.T) {
	rb := NewRingBuffer(8)
	_, _ = rb.Write([]byte("abcdef"))
	_, _ = rb.Write([]byte("ghij"))
	if got := string(rb.Bytes()); got != "cdefghij" {
		t.Fatalf("got %q", got)
	}
	_, _ = rb.Write([]byte("0123456789"))
	if got := string(rb.Bytes()); got != "23456789" {
		t.Fatalf("got %q", got)
	}
}

func TestDumpRingBuffer(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir, RingBufferSize: 1024})
	defer Shutdown()

	Logger().Info("before_crash")
	dump := filepath.Join(dir, "dump.jsonl")
	if err := DumpRingBuffer(dump); err != nil {
		t.Fatalf("DumpRingBuffer: %v", err)
	}
	data, err := os.ReadFile(dump)
	if err != nil || !bytes.Contains(data, []byte("before_crash")) {
		t.Fatalf("dump = %q, err = %v", data, err)
	}
}

func TestAggregatorSummary(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))
	a := NewAggregator(l, 60)
	a.Record(CompMonitor, "cycle", slog.Int("sessions", 2))
	a.Record(CompMonitor, "cycle", slog.Int("sessions", 3))
	a.Flush()

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if rec["count"] != float64(2) || rec["sessions"] != float64(3) || rec["event"] != "cycle" {
		t.Fatalf("unexpected summary %v", rec)
	}

	buf.Reset()
	a.Flush()
	if buf.Len() != 0 {
		t.Fatalf("second flush should be empty, got %q", buf.String())
	}
}

func TestBridgeWriterPrefix(t *testing.T) {
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	w := NewBridgeWriter(CompWeb)
	_, _ = w.Write([]byte("[HTTP] accept error\n"))

	recs := readRecords(t, filepath.Join(dir, "debug.log"))
	if len(recs) != 1 || recs[0]["component"] != "http" || recs[0]["msg"] != "accept error" {
		t.Fatalf("unexpected %v", recs)
	}
}
