package storage

import (
	"testing"
	"time"
)

func TestDecodeEnvelope(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
		ok   bool
	}{
		{"string code", `{"code":"{\"files\":[]}","generatedAt":"2024-01-01T00:00:00Z"}`, `{"files":[]}`, true},
		{"object code", `{"code":{"index.html":"<h1>hi</h1>"}}`, `{"index.html":"<h1>hi</h1>"}`, true},
		{"missing code", `{"generatedAt":"x"}`, "", false},
		{"empty object", `{}`, "", false},
		{"null code", `{"code":null}`, "", false},
		{"blank code", `{"code":"  "}`, "", false},
		{"not json", `oops`, "", false},
	}
	for _, tc := range cases {
		got, ok := DecodeEnvelope([]byte(tc.data))
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEncodeEnvelopeIsReadable(t *testing.T) {
	payload, err := EncodeEnvelope(`{"files":[{"path":"a","content":"b"}]}`, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	code, ok := DecodeEnvelope(payload)
	if !ok || code != `{"files":[{"path":"a","content":"b"}]}` {
		t.Fatalf("unexpected decode %q %v", code, ok)
	}
}

func TestKey(t *testing.T) {
	if Key("p1") != "projects/p1/code.json" {
		t.Fatalf("unexpected key %s", Key("p1"))
	}
}
