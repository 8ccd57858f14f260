package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestPassage_Fields(t *testing.T) {
	typ := reflect.TypeOf(Passage{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Namespace", "size:191")
	assertGormTag(t, typ, "Namespace", "index")
	assertGormTag(t, typ, "Position", "not null")
	assertGormTag(t, typ, "Text", "type:text")
	assertGormTag(t, typ, "Vector", "serializer:json")
	assertGormTag(t, typ, "Metadata", "serializer:json")

	assertFieldType(t, typ, "Vector", "[]float32")
	assertFieldType(t, typ, "Metadata", "map[string]string")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}
