package serialization

import (
	"fmt"
	"strings"
	"time"
)

// Reserved keys of tagged argument objects.
const (
	keySerialized        = "_aj_serialized"
	keyGlobalID          = "_aj_globalid"
	keySymbolKeys        = "_aj_symbol_keys"
	keyRuby2Keywords     = "_aj_ruby2_keywords"
	keyIndifferentAccess = "_aj_hash_with_indifferent_access"
)

// Serializer tags. Dispatch matches on the suffix after the last "::" so
// that producers with a different namespace prefix still decode.
const (
	serializerSymbol       = "ActiveJob::Serializers::SymbolSerializer"
	serializerDate         = "ActiveJob::Serializers::DateSerializer"
	serializerDateTime     = "ActiveJob::Serializers::DateTimeSerializer"
	serializerTime         = "ActiveJob::Serializers::TimeSerializer"
	serializerTimeWithZone = "ActiveJob::Serializers::TimeWithZoneSerializer"
	serializerBigDecimal   = "ActiveJob::Serializers::BigDecimalSerializer"
	serializerDuration     = "ActiveJob::Serializers::DurationSerializer"
	serializerRange        = "ActiveJob::Serializers::RangeSerializer"
	serializerModule       = "ActiveJob::Serializers::ModuleSerializer"
)

// EncodeValue converts a Go argument value into its wire form (primitives
// pass through, everything else becomes a tagged object).
func EncodeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val, nil
	case Symbol:
		return map[string]any{keySerialized: serializerSymbol, "value": string(val)}, nil
	case Decimal:
		return map[string]any{keySerialized: serializerBigDecimal, "value": string(val)}, nil
	case ModuleRef:
		return map[string]any{keySerialized: serializerModule, "value": string(val)}, nil
	case Date:
		return map[string]any{keySerialized: serializerDate, "value": val.String()}, nil
	case time.Time:
		return map[string]any{
			keySerialized: serializerTimeWithZone,
			"value":       val.Format(time.RFC3339Nano),
		}, nil
	case Duration:
		parts := val.Parts
		if parts == nil {
			parts = []any{}
		}
		return map[string]any{
			keySerialized: serializerDuration,
			"value":       val.Seconds,
			"parts":       parts,
		}, nil
	case Range:
		begin, err := EncodeValue(val.Begin)
		if err != nil {
			return nil, fmt.Errorf("range begin: %w", err)
		}
		end, err := EncodeValue(val.End)
		if err != nil {
			return nil, fmt.Errorf("range end: %w", err)
		}
		return map[string]any{
			keySerialized: serializerRange,
			"begin":       begin,
			"end":         end,
			"exclude_end": val.ExcludeEnd,
		}, nil
	case GlobalID:
		gid := val.GID
		if gid == "" {
			gid = fmt.Sprintf("gid://%s/%s/%s", val.App, val.Model, val.ID)
		}
		return map[string]any{keyGlobalID: gid}, nil
	case Unknown:
		fields := make(map[string]any, len(val.Fields))
		for k, v := range val.Fields {
			fields[k] = v
		}
		fields[keySerialized] = val.Tag
		return fields, nil
	case KeywordArgs:
		return encodeHash(map[string]any(val), keyRuby2Keywords, nil)
	case IndifferentHash:
		return encodeHash(map[string]any(val), keyIndifferentAccess, true)
	case map[string]any:
		return encodeHash(val, keySymbolKeys, nil)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			enc, err := EncodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = enc
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T", v)
	}
}

// encodeHash serializes map entries and attaches the marker key. For
// keyRuby2Keywords and keySymbolKeys the marker value lists the named keys;
// for keyIndifferentAccess it is the literal given value.
func encodeHash(m map[string]any, marker string, markerValue any) (any, error) {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		enc, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = enc
	}
	switch marker {
	case keyRuby2Keywords:
		keys := make([]any, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		out[marker] = keys
	case keySymbolKeys:
		out[marker] = []any{}
	default:
		out[marker] = markerValue
	}
	return out, nil
}

// DecodeValue converts a wire value back into its Go form.
func DecodeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			dec, err := DecodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		return decodeObject(val)
	default:
		// json.Unmarshal into any never produces other types, but a caller
		// may hand us values it built itself.
		return val, nil
	}
}

func decodeObject(obj map[string]any) (any, error) {
	if gid, ok := obj[keyGlobalID].(string); ok {
		return parseGlobalID(gid)
	}
	if tag, ok := obj[keySerialized].(string); ok {
		return decodeTagged(tag, obj)
	}

	if _, ok := obj[keyIndifferentAccess]; ok {
		m, err := decodeHashEntries(obj)
		if err != nil {
			return nil, err
		}
		return IndifferentHash(m), nil
	}
	if _, ok := obj[keyRuby2Keywords]; ok {
		m, err := decodeHashEntries(obj)
		if err != nil {
			return nil, err
		}
		return KeywordArgs(m), nil
	}
	// Plain hash, with or without the (possibly empty) symbol-keys marker.
	// A non-empty marker also means named parameters.
	if keys, ok := obj[keySymbolKeys].([]any); ok && len(keys) > 0 {
		m, err := decodeHashEntries(obj)
		if err != nil {
			return nil, err
		}
		return KeywordArgs(m), nil
	}
	return decodeHashEntries(obj)
}

func decodeHashEntries(obj map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for k, v := range obj {
		if isReservedKey(k) {
			continue
		}
		dec, err := DecodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}

func isReservedKey(k string) bool {
	switch k {
	case keySerialized, keyGlobalID, keySymbolKeys, keyRuby2Keywords, keyIndifferentAccess:
		return true
	}
	return false
}

func decodeTagged(tag string, obj map[string]any) (any, error) {
	switch tagSuffix(tag) {
	case tagSuffix(serializerSymbol):
		s, err := stringField(obj, "value")
		if err != nil {
			return nil, err
		}
		return Symbol(s), nil
	case tagSuffix(serializerBigDecimal):
		s, err := stringField(obj, "value")
		if err != nil {
			return nil, err
		}
		return Decimal(s), nil
	case tagSuffix(serializerModule):
		s, err := stringField(obj, "value")
		if err != nil {
			return nil, err
		}
		return ModuleRef(s), nil
	case tagSuffix(serializerDate):
		s, err := stringField(obj, "value")
		if err != nil {
			return nil, err
		}
		return ParseDate(s)
	case tagSuffix(serializerDateTime), tagSuffix(serializerTime), tagSuffix(serializerTimeWithZone):
		s, err := stringField(obj, "value")
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("parse instant %q: %w", s, err)
		}
		return t, nil
	case tagSuffix(serializerDuration):
		seconds, ok := obj["value"].(float64)
		if !ok {
			return nil, fmt.Errorf("duration value is %T, want number", obj["value"])
		}
		parts, _ := obj["parts"].([]any)
		if parts == nil {
			parts = []any{}
		}
		return Duration{Seconds: seconds, Parts: parts}, nil
	case tagSuffix(serializerRange):
		begin, err := DecodeValue(obj["begin"])
		if err != nil {
			return nil, fmt.Errorf("range begin: %w", err)
		}
		end, err := DecodeValue(obj["end"])
		if err != nil {
			return nil, fmt.Errorf("range end: %w", err)
		}
		exclude, _ := obj["exclude_end"].(bool)
		return Range{Begin: begin, End: end, ExcludeEnd: exclude}, nil
	default:
		fields := make(map[string]any, len(obj))
		for k, v := range obj {
			if k == keySerialized {
				continue
			}
			fields[k] = v
		}
		return Unknown{Tag: tag, Fields: fields}, nil
	}
}

func tagSuffix(tag string) string {
	if i := strings.LastIndex(tag, "::"); i >= 0 {
		return tag[i+2:]
	}
	return tag
}

func stringField(obj map[string]any, key string) (string, error) {
	s, ok := obj[key].(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, want string", key, obj[key])
	}
	return s, nil
}

func parseGlobalID(gid string) (GlobalID, error) {
	rest, ok := strings.CutPrefix(gid, "gid://")
	if !ok {
		return GlobalID{}, fmt.Errorf("malformed global id %q", gid)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return GlobalID{}, fmt.Errorf("malformed global id %q", gid)
	}
	return GlobalID{App: parts[0], Model: parts[1], ID: parts[2], GID: gid}, nil
}
