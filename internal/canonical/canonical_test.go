package canonical

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "s"}}
	b := map[string]any{"a": map[string]any{"y": "s", "z": true}, "b": 1}

	ca, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ: %s vs %s", ca, cb)
	}
	if string(ca) != `{"a":{"y":"s","z":true},"b":1}` {
		t.Errorf("unexpected canonical form: %s", ca)
	}
}

func TestMarshalIdempotent(t *testing.T) {
	v := map[string]any{"x": []any{1, "two", 3.5, nil, true}, "y": map[string]any{"k": 2.0}}
	once, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}

	// Re-parse the canonical output and canonicalize again.
	var reparsed any
	if err := json.Unmarshal(once, &reparsed); err != nil {
		t.Fatal(err)
	}
	twice, err := Marshal(reparsed)
	if err != nil {
		t.Fatal(err)
	}
	if string(twice) != string(once) {
		t.Errorf("canonical form not idempotent: %s vs %s", once, twice)
	}

	fp1, err := Fingerprint(v)
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := Fingerprint(v)
	if err != nil {
		t.Fatal(err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprint not deterministic: %s vs %s", fp1, fp2)
	}
	if !strings.Contains(string(once), `"k":2`) {
		t.Errorf("integral float should render as integer: %s", once)
	}
}

func TestNumericRepresentation(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 5, "5"},
		{"integral float", 5.0, "5"},
		{"decimal float", 5.5, "5.5"},
		{"negative", -3.25, "-3.25"},
		{"zero", 0.0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(out) != tt.want {
				t.Errorf("Marshal(%v) = %s, want %s", tt.in, out, tt.want)
			}
		})
	}
}

func TestIntAndFloatFingerprintEqual(t *testing.T) {
	fpInt, err := Fingerprint(map[string]any{"n": 2000})
	if err != nil {
		t.Fatal(err)
	}
	fpFloat, err := Fingerprint(map[string]any{"n": 2000.0})
	if err != nil {
		t.Fatal(err)
	}
	if fpInt != fpFloat {
		t.Errorf("2000 and 2000.0 fingerprint differently: %s vs %s", fpInt, fpFloat)
	}
}

func TestFingerprintLength(t *testing.T) {
	fp, err := Fingerprint(map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(fp) != FingerprintLength {
		t.Errorf("fingerprint length = %d, want %d", len(fp), FingerprintLength)
	}
	for _, ch := range fp {
		if !strings.ContainsRune("0123456789abcdef", ch) {
			t.Errorf("fingerprint %s contains non-hex char %c", fp, ch)
		}
	}
}

func TestMarshalStruct(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	out, err := Marshal(inner{B: 1, A: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":"x","b":1}` {
		t.Errorf("struct canonical form: %s", out)
	}
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	if _, err := Marshal(map[string]any{"bad": math.Inf(1)}); err == nil {
		t.Error("expected error for +Inf")
	}
}

func TestHashNullLiteral(t *testing.T) {
	out, err := Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "null" {
		t.Errorf("Marshal(nil) = %s, want null", out)
	}
}
