// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Metadata type tags. Values of any other type are stored under tagJSON in
// their JSON form and read back as plain JSON values.
const (
	tagNull      = "null"
	tagString    = "string"
	tagBool      = "bool"
	tagInt       = "int"
	tagInt8      = "int8"
	tagInt16     = "int16"
	tagInt32     = "int32"
	tagInt64     = "int64"
	tagUint      = "uint"
	tagUint8     = "uint8"
	tagUint16    = "uint16"
	tagUint32    = "uint32"
	tagUint64    = "uint64"
	tagFloat32   = "float32"
	tagFloat64   = "float64"
	tagTime      = "time"
	tagStrings   = "strings"
	tagStringMap = "stringmap"
	tagList      = "list"
	tagMap       = "map"
	tagJSON      = "json"
)

// typedValue is one metadata value with the Go type it was written as.
type typedValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// MarshalMetadata encodes metadata so that it decodes back to the same Go
// types without any type registration.
//
// # Inputs
//
//   - md: Metadata map. Nil or empty encodes to nil.
//
// # Outputs
//
//   - []byte: JSON object of tagged values.
//   - error: Non-nil if a value cannot be represented as JSON (NaN, channels,
//     functions).
func MarshalMetadata(md map[string]any) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	fields, err := encodeMap(md)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

// UnmarshalMetadata decodes bytes written by MarshalMetadata. Empty input
// yields nil.
func UnmarshalMetadata(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var fields map[string]typedValue
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return decodeMap(fields)
}

func encodeMap(md map[string]any) (map[string]typedValue, error) {
	fields := make(map[string]typedValue, len(md))
	for k, v := range md {
		tv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		fields[k] = tv
	}
	return fields, nil
}

func decodeMap(fields map[string]typedValue) (map[string]any, error) {
	md := make(map[string]any, len(fields))
	for k, tv := range fields {
		v, err := decodeValue(tv)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		md[k] = v
	}
	return md, nil
}

func encodeValue(v any) (typedValue, error) {
	var (
		tag     string
		payload = v
	)
	switch x := v.(type) {
	case nil:
		return typedValue{Type: tagNull}, nil
	case string:
		tag = tagString
	case bool:
		tag = tagBool
	case int:
		tag = tagInt
	case int8:
		tag = tagInt8
	case int16:
		tag = tagInt16
	case int32:
		tag = tagInt32
	case int64:
		tag = tagInt64
	case uint:
		tag = tagUint
	case uint8:
		tag = tagUint8
	case uint16:
		tag = tagUint16
	case uint32:
		tag = tagUint32
	case uint64:
		tag = tagUint64
	case float32:
		tag = tagFloat32
	case float64:
		tag = tagFloat64
	case time.Time:
		tag = tagTime
	case []string:
		tag = tagStrings
	case map[string]string:
		tag = tagStringMap
	case []any:
		items := make([]typedValue, 0, len(x))
		for i, item := range x {
			tv, err := encodeValue(item)
			if err != nil {
				return typedValue{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, tv)
		}
		tag, payload = tagList, items
	case map[string]any:
		fields, err := encodeMap(x)
		if err != nil {
			return typedValue{}, err
		}
		tag, payload = tagMap, fields
	default:
		tag = tagJSON
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return typedValue{}, fmt.Errorf("value of type %T: %w", v, err)
	}
	return typedValue{Type: tag, Value: raw}, nil
}

func decodeValue(tv typedValue) (any, error) {
	switch tv.Type {
	case tagNull:
		return nil, nil
	case tagString:
		return decodeAs[string](tv.Value)
	case tagBool:
		return decodeAs[bool](tv.Value)
	case tagInt:
		return decodeAs[int](tv.Value)
	case tagInt8:
		return decodeAs[int8](tv.Value)
	case tagInt16:
		return decodeAs[int16](tv.Value)
	case tagInt32:
		return decodeAs[int32](tv.Value)
	case tagInt64:
		return decodeAs[int64](tv.Value)
	case tagUint:
		return decodeAs[uint](tv.Value)
	case tagUint8:
		return decodeAs[uint8](tv.Value)
	case tagUint16:
		return decodeAs[uint16](tv.Value)
	case tagUint32:
		return decodeAs[uint32](tv.Value)
	case tagUint64:
		return decodeAs[uint64](tv.Value)
	case tagFloat32:
		return decodeAs[float32](tv.Value)
	case tagFloat64:
		return decodeAs[float64](tv.Value)
	case tagTime:
		return decodeAs[time.Time](tv.Value)
	case tagStrings:
		return decodeAs[[]string](tv.Value)
	case tagStringMap:
		return decodeAs[map[string]string](tv.Value)
	case tagList:
		var items []typedValue
		if err := json.Unmarshal(tv.Value, &items); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			v, err := decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	case tagMap:
		var fields map[string]typedValue
		if err := json.Unmarshal(tv.Value, &fields); err != nil {
			return nil, err
		}
		return decodeMap(fields)
	case tagJSON:
		return decodePlainJSON(tv.Value)
	}
	return nil, fmt.Errorf("unknown metadata type %q", tv.Type)
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodePlainJSON decodes untagged JSON. Integral numbers become int and
// all other numbers float64.
func decodePlainJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return restoreNumbers(v), nil
}

func restoreNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			if i >= math.MinInt && i <= math.MaxInt {
				return int(i)
			}
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = restoreNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = restoreNumbers(e)
		}
		return x
	}
	return v
}
