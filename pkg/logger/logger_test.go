package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAccessorsNeverReturnNil(t *testing.T) {
	if L() == nil {
		t.Fatal("default logger must be initialised lazily")
	}
	if Audit() == nil {
		t.Fatal("audit logger must fall back to the default logger")
	}
	if Named("dispatch") == nil || ForSession("s-1") == nil || ForProof("p-1") == nil {
		t.Fatal("derived loggers must not be nil")
	}
}

func TestRotationDefaults(t *testing.T) {
	r := Rotation{MaxBackups: 3}.withDefaults()
	if r.MaxSizeMB != 100 || r.MaxBackups != 3 || r.MaxAgeDays != 30 {
		t.Fatalf("unexpected rotation defaults: %+v", r)
	}
}

func TestMainWriterOpensRotatedFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "zkpayd.log")
	w, err := mainWriter([]string{"stdout", path}, Rotation{})
	if err != nil {
		t.Fatalf("mainWriter: %v", err)
	}
	if _, err := w.Write([]byte("{\"msg\":\"hello\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("log file missing entry: %q", data)
	}
}
