package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
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

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "debug", JSON: true, Output: &buf})
	defer Configure(Options{})

	For("runloop").Debug("cycle", "records", 3)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if line["component"] != "runloop" || line["msg"] != "cycle" || line["records"] != float64(3) {
		t.Fatalf("unexpected record: %v", line)
	}
}

func TestInitFromEnv(t *testing.T) {
	t.Setenv("PARTSTREAM_LOG_LEVEL", "error")
	t.Setenv("PARTSTREAM_LOG_JSON", "true")
	InitFromEnv()
	defer Configure(Options{})

	if L().Enabled(t.Context(), slog.LevelWarn) {
		t.Fatal("warn should be disabled at error level")
	}
}
