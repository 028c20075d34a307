package serialization

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

// roundTrip encodes v, pushes it through real JSON, and decodes it back —
// the same path a payload takes through the jsonb column.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	enc, err := EncodeValue(v)
	if err != nil {
		t.Fatalf("encode %#v: %v", v, err)
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		t.Fatalf("marshal %#v: %v", enc, err)
	}
	var wire any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	dec, err := DecodeValue(wire)
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return dec
}

func TestRoundTrip(t *testing.T) {
	instant := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)
	gid, err := parseGlobalID("gid://app/Invoice/42")
	if err != nil {
		t.Fatalf("parse gid: %v", err)
	}

	cases := []struct {
		name string
		v    any
	}{
		{"nil", nil},
		{"bool", true},
		{"string", "hi"},
		{"number", float64(42.5)},
		{"symbol", Symbol("force")},
		{"decimal", Decimal("123.4567890123456789")},
		{"module", ModuleRef("Reports::Rollup")},
		{"date", Date{Year: 2025, Month: time.June, Day: 1}},
		{"time", instant},
		{"duration", Duration{Seconds: 3600, Parts: []any{}}},
		{"range", Range{Begin: float64(1), End: float64(9), ExcludeEnd: true}},
		{"globalid", gid},
		{"array", []any{"a", float64(1), Symbol("b")}},
		{"plain hash", map[string]any{"k": "v", "n": float64(2)}},
		{"keyword args", KeywordArgs{"retries": float64(3), "force": true}},
		{"indifferent hash", IndifferentHash{"a": float64(1)}},
		{"nested", map[string]any{
			"when": instant,
			"who":  KeywordArgs{"id": Decimal("10.5")},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundTrip(t, tc.v)
			if !reflect.DeepEqual(got, tc.v) {
				t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, tc.v)
			}
		})
	}
}

func TestRoundTripTimeEquality(t *testing.T) {
	instant := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	got := roundTrip(t, instant)
	gotTime, ok := got.(time.Time)
	if !ok {
		t.Fatalf("decoded %T, want time.Time", got)
	}
	if !gotTime.Equal(instant) {
		t.Fatalf("got %v, want %v", gotTime, instant)
	}
}

func TestDecodeForeignTimeTags(t *testing.T) {
	for _, tag := range []string{serializerDateTime, serializerTime, serializerTimeWithZone} {
		obj := map[string]any{keySerialized: tag, "value": "2025-06-01T12:30:45Z"}
		dec, err := DecodeValue(obj)
		if err != nil {
			t.Fatalf("decode %s: %v", tag, err)
		}
		if _, ok := dec.(time.Time); !ok {
			t.Fatalf("tag %s decoded to %T, want time.Time", tag, dec)
		}
	}
}

func TestDecodeUnknownTagPreserved(t *testing.T) {
	obj := map[string]any{
		keySerialized: "ActiveJob::Serializers::FancyNewSerializer",
		"value":       "opaque",
		"extra":       float64(7),
	}
	dec, err := DecodeValue(obj)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := dec.(Unknown)
	if !ok {
		t.Fatalf("decoded %T, want Unknown", dec)
	}
	if u.Tag != "ActiveJob::Serializers::FancyNewSerializer" {
		t.Fatalf("tag = %q", u.Tag)
	}
	if u.Fields["value"] != "opaque" || u.Fields["extra"] != float64(7) {
		t.Fatalf("fields not preserved: %#v", u.Fields)
	}

	// Re-encoding must reproduce the original object.
	enc, err := EncodeValue(u)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !reflect.DeepEqual(enc, map[string]any(obj)) {
		t.Fatalf("re-encoded = %#v, want %#v", enc, obj)
	}
}

func TestEncodeKeywordArgsEmitsMarker(t *testing.T) {
	enc, err := EncodeValue(KeywordArgs{"limit": float64(5)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	obj := enc.(map[string]any)
	keys, ok := obj[keyRuby2Keywords].([]any)
	if !ok {
		t.Fatalf("missing %s marker: %#v", keyRuby2Keywords, obj)
	}
	if len(keys) != 1 || keys[0] != "limit" {
		t.Fatalf("marker keys = %#v", keys)
	}
}

func TestEncodePlainHashEmitsEmptySymbolKeys(t *testing.T) {
	enc, err := EncodeValue(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	obj := enc.(map[string]any)
	keys, ok := obj[keySymbolKeys].([]any)
	if !ok || len(keys) != 0 {
		t.Fatalf("want empty %s marker, got %#v", keySymbolKeys, obj)
	}
}

func TestDecodeSymbolKeysListedMeansKeywords(t *testing.T) {
	obj := map[string]any{"a": float64(1), keySymbolKeys: []any{"a"}}
	dec, err := DecodeValue(obj)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := dec.(KeywordArgs); !ok {
		t.Fatalf("decoded %T, want KeywordArgs", dec)
	}
}

func TestParseGlobalID(t *testing.T) {
	gid, err := parseGlobalID("gid://app/Accounts::User/abc/def")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gid.App != "app" || gid.Model != "Accounts::User" || gid.ID != "abc/def" {
		t.Fatalf("parsed %#v", gid)
	}

	for _, bad := range []string{"", "https://x/y/z", "gid://app", "gid://app/Model", "gid:///Model/1"} {
		if _, err := parseGlobalID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestEncodeUnsupportedType(t *testing.T) {
	if _, err := EncodeValue(struct{ X int }{1}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	if _, err := ParseDate("June 1st"); err == nil {
		t.Fatal("expected error")
	}
}
