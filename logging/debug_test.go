package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	return string(content)
}

func TestDebugLogger_Filter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		logged  []string
		skipped []string
	}{
		{"empty logs all", "", []string{"s7", "mqtt", "api"}, nil},
		{"single", "mqtt", []string{"mqtt"}, []string{"s7", "api"}},
		{"case insensitive", "MQTT", []string{"mqtt"}, []string{"kafka"}},
		{"s7 implies driver", "s7", []string{"s7", "driver"}, []string{"device"}},
		{"device implies transport", "device", []string{"device", "driver", "s7"}, []string{"plcman"}},
		{"brokers group", "brokers", []string{"mqtt", "valkey", "kafka"}, []string{"api"}},
		{"list", "api, engine", []string{"api", "engine"}, []string{"mqtt"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "debug.log")
			logger, err := NewDebugLogger(path)
			if err != nil {
				t.Fatalf("NewDebugLogger failed: %v", err)
			}
			logger.SetFilter(tc.filter)
			for _, p := range append(tc.logged, tc.skipped...) {
				logger.Log(p, "hello from %s", p)
			}
			logger.Close()

			out := readLog(t, path)
			for _, p := range tc.logged {
				if !strings.Contains(out, "hello from "+p) {
					t.Errorf("%s not logged", p)
				}
			}
			for _, p := range tc.skipped {
				if strings.Contains(out, "hello from "+p) {
					t.Errorf("%s logged despite filter", p)
				}
			}
			if !strings.Contains(out, "Debug logging ended") {
				t.Error("footer missing")
			}
		})
	}
}

func TestDebugLogger_NilSafe(t *testing.T) {
	var l *DebugLogger
	l.Log("s7", "ignored")
	l.LogTX("s7", []byte{1})
	l.SetFilter("s7")
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil = %v", err)
	}

	SetGlobalDebugLogger(nil)
	DebugLog("s7", "no logger installed")
	DebugRX("s7", []byte{1, 2})
}

func TestDebugLogger_Global(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	SetGlobalDebugLogger(logger)
	defer SetGlobalDebugLogger(nil)

	DebugConnect("s7", "10.0.0.5:102")
	DebugTX("s7", []byte("\x03\x00\x00\x16"))
	DebugError("driver", "read DB1", os.ErrDeadlineExceeded)
	logger.Close()

	out := readLog(t, path)
	for _, want := range []string{
		"[s7] CONNECT to 10.0.0.5:102",
		"[s7] TX (4 bytes):",
		"0000: 03 00 00 16",
		"[driver] ERROR in read DB1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
}

func TestHexDump(t *testing.T) {
	if got := hexDump(nil); got != "    (empty)" {
		t.Errorf("empty dump = %q", got)
	}

	data := []byte("ABCDEFGHIJKLMNOPQ")
	got := hexDump(data)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), got)
	}
	want := "    0000: 41 42 43 44 45 46 47 48  49 4A 4B 4C 4D 4E 4F 50  ABCDEFGHIJKLMNOP"
	if lines[0] != want {
		t.Errorf("line 0 =\n%q, want\n%q", lines[0], want)
	}
	if !strings.HasPrefix(lines[1], "    0010: 51 ") || !strings.HasSuffix(lines[1], " Q") {
		t.Errorf("line 1 = %q", lines[1])
	}
}
