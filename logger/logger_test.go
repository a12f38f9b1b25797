package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFanoutAndLevel(t *testing.T) {
	var console, jsonOut bytes.Buffer
	InitWithWriters(&console, &jsonOut)
	defer SetLevel(DEBUG)

	SetLevel(WARN)
	Infof("hidden %d", 1)
	Warnf("visible %d", 2)

	if strings.Contains(console.String(), "hidden") {
		t.Errorf("Info message should be filtered at WARN level: %s", console.String())
	}
	if !strings.Contains(console.String(), "visible 2") {
		t.Errorf("Expected warning on console, got: %s", console.String())
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(jsonOut.Bytes()), &record); err != nil {
		t.Fatalf("Expected one JSON record, got %q: %v", jsonOut.String(), err)
	}
	if record["msg"] != "visible 2" {
		t.Errorf("Unexpected JSON msg: %v", record["msg"])
	}
	source, ok := record["source"].(map[string]any)
	if !ok {
		t.Fatalf("Expected source attribute, got %v", record["source"])
	}
	if file, _ := source["file"].(string); !strings.HasSuffix(file, "logger_test.go") {
		t.Errorf("Expected caller to be the test file, got %v", source["file"])
	}
}
