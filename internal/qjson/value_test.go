package qjson

import (
	"encoding/json"
	"testing"
)

func TestObjectMarshalOrder(t *testing.T) {
	obj := NewObject()
	keys := []string{"driver", "node-name", "read-only", "cache", "filename"}
	for i, k := range keys {
		var v Value
		switch i % 3 {
		case 0:
			v = String("v")
		case 1:
			v = Int(int64(i))
		default:
			v = Bool(true)
		}
		if err := obj.Set(k, v); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	got, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"driver":"v","node-name":1,"read-only":true,"cache":"v","filename":4}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestObjectDuplicateKey(t *testing.T) {
	obj := NewObject()
	if err := obj.Set("driver", String("file")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := obj.Set("driver", String("qcow2")); err == nil {
		t.Error("Set() with duplicate key expected error, got nil")
	}
	// the original value must be untouched
	v, ok := obj.Get("driver")
	if !ok || v.(String) != "file" {
		t.Errorf("Get(driver) = %v, %v, want file, true", v, ok)
	}
	if obj.Len() != 1 {
		t.Errorf("Len() = %d, want 1", obj.Len())
	}
}

func TestObjectEmptyKey(t *testing.T) {
	obj := NewObject()
	if err := obj.Set("", String("x")); err == nil {
		t.Error("Set() with empty key expected error, got nil")
	}
}

func TestScalarMarshal(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"string", String("unix:/run/sock"), `"unix:/run/sock"`},
		{"string escaping", String(`a"b\c`), `"a\"b\\c"`},
		{"int", Int(-42), "-42"},
		{"uint", Uint(18446744073709551615), "18446744073709551615"},
		{"double", Double(0.5), "0.5"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"null", Null{}, "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.v.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MarshalJSON() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestArrayMarshal(t *testing.T) {
	arr := NewArray()
	arr.Append(String("a"))
	arr.Append(Int(7))
	nested := NewObject()
	if err := nested.Set("k", Bool(false)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	arr.Append(nested)

	got, err := json.Marshal(arr)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `["a",7,{"k":false}]`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestObjectKeys(t *testing.T) {
	obj := NewObject()
	for _, k := range []string{"c", "a", "b"} {
		if err := obj.Set(k, Null{}); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}
	keys := obj.Keys()
	want := []string{"c", "a", "b"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() len = %d, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
