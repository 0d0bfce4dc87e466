package docker

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeBuildStreamCollectsLines(t *testing.T) {
	stream := `{"stream":"Step 1/3 : FROM node:20-alpine\n"}
{"status":"Pulling fs layer","id":"abc"}
{"aux":{"ID":"sha256:123"}}
`
	var lines []string
	if err := decodeBuildStream(strings.NewReader(stream), func(l string) { lines = append(lines, l) }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"Step 1/3 : FROM node:20-alpine", "abc Pulling fs layer", "image id: sha256:123"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestDecodeBuildStreamReportsErrorAfterOutput(t *testing.T) {
	stream := `{"stream":"RUN npm install\n"}
{"errorDetail":{"message":"npm ERR! missing script"},"error":"npm ERR! missing script"}
`
	var lines []string
	err := decodeBuildStream(strings.NewReader(stream), func(l string) { lines = append(lines, l) })
	if err == nil || !strings.Contains(err.Error(), "missing script") {
		t.Fatalf("expected build error, got %v", err)
	}
	if len(lines) != 2 || lines[1] != "npm ERR! missing script" {
		t.Fatalf("expected error line captured, got %q", lines)
	}
}

func TestIsPortConflict(t *testing.T) {
	if !IsPortConflict(errors.New("driver failed: Bind for 0.0.0.0:31005 failed: port is already allocated")) {
		t.Fatalf("expected port conflict")
	}
	if IsPortConflict(errors.New("no such image")) || IsPortConflict(nil) {
		t.Fatalf("unexpected port conflict")
	}
}
