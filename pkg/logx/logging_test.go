package logx

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := map[string]any{}
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestFileSinkWritesSchedulerKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.With(Component("registry"), Task("report")).Debug("instance started", Shard("eu"), Instance(7))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	got := lines[0]
	for k, want := range map[string]any{"comp": "registry", "task": "report", "shard": "eu", "instance": float64(7), "message": "instance started"} {
		if got[k] != want {
			t.Fatalf("%s = %v, want %v (line %v)", k, got[k], want, got)
		}
	}
	if _, ok := got["caller"]; !ok {
		t.Fatalf("line %v has no caller", got)
	}
}

func TestApplyChangesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.log")
	file := FileConfig{Enabled: true, Path: path}
	svc, log := New(Config{Level: "warn", File: file})
	defer svc.Close()

	log.Info("hidden")
	svc.Apply(Config{Level: "info", File: file})
	log.Info("shown")
	_ = svc.Close()

	lines := readLines(t, path)
	if len(lines) != 1 || lines[0]["message"] != "shown" {
		t.Fatalf("lines = %v, want only the post-Apply info line", lines)
	}
}

func TestZeroAndNopLoggersDiscard(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger must report IsZero")
	}
	if Nop().IsZero() {
		t.Fatal("Nop must not report IsZero")
	}
	zero.Error("dropped", Err(os.ErrNotExist))
	Nop().With(Task("x")).Error("dropped")
}
