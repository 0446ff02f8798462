package deid

import (
	"bytes"
	"testing"
	"time"
)

type fakeRecord struct {
	id    string
	attrs map[string]string
	props map[string]string
}

func (r *fakeRecord) RecordID() string { return r.id }

func (r *fakeRecord) AttributeValue(name string) (string, bool) {
	v, ok := r.attrs[name]
	return v, ok
}

func (r *fakeRecord) PropertyValue(name string) (string, bool) {
	v, ok := r.props[name]
	return v, ok
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestDeidentifier(t *testing.T) *Deidentifier {
	t.Helper()
	d, err := New(testKey())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return d
}

func TestNew_RejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDeidentify_SplitsAttrsAndProps(t *testing.T) {
	d := newTestDeidentifier(t)
	rec := &fakeRecord{
		id:    "case-1",
		attrs: map[string]string{"external_id": "ext-9"},
		props: map[string]string{"ssn": "123-45-6789"},
	}
	attrs, props := d.Deidentify(rec, map[string]string{
		"external_id": TransformIDHash,
		"ssn":         TransformIDHash,
	})
	if len(attrs) != 1 || attrs["external_id"] == "" || attrs["external_id"] == "ext-9" {
		t.Errorf("attribute not censored: %v", attrs)
	}
	if len(props) != 1 || props["ssn"] == "" || props["ssn"] == "123-45-6789" {
		t.Errorf("property not censored: %v", props)
	}
}

func TestDeidentify_SkipsBlankValues(t *testing.T) {
	d := newTestDeidentifier(t)
	rec := &fakeRecord{
		id:    "case-1",
		attrs: map[string]string{"external_id": ""},
		props: map[string]string{"dob": ""},
	}
	attrs, props := d.Deidentify(rec, map[string]string{
		"external_id": TransformIDHash,
		"dob":         TransformDateShift,
	})
	if len(attrs) != 0 || len(props) != 0 {
		t.Errorf("blank fields must be absent from output: attrs=%v props=%v", attrs, props)
	}
}

func TestDeidentify_UnknownTransformYieldsEmptyString(t *testing.T) {
	d := newTestDeidentifier(t)
	rec := &fakeRecord{
		id:    "case-1",
		props: map[string]string{"name": "Jessica"},
	}
	_, props := d.Deidentify(rec, map[string]string{"name": "deid_bogus"})
	v, ok := props["name"]
	if !ok {
		t.Fatal("field with unknown transform must be present")
	}
	if v != "" {
		t.Errorf("expected empty string, got %q", v)
	}
}

func TestDeidentify_UntypedFieldExcluded(t *testing.T) {
	d := newTestDeidentifier(t)
	rec := &fakeRecord{id: "case-1"}
	attrs, props := d.Deidentify(rec, map[string]string{"no_such_field": TransformIDHash})
	if len(attrs) != 0 || len(props) != 0 {
		t.Errorf("untyped field must be excluded: attrs=%v props=%v", attrs, props)
	}
}

func TestDateShift_DeterministicPerRecord(t *testing.T) {
	d := newTestDeidentifier(t)
	a := d.DateShift("2020-06-15", "case-1")
	b := d.DateShift("2020-06-15", "case-1")
	if a != b {
		t.Errorf("same record must shift identically: %q vs %q", a, b)
	}
	if a == "2020-06-15" {
		t.Error("shift must never be zero")
	}
	if _, err := time.Parse("2006-01-02", a); err != nil {
		t.Errorf("shifted value must preserve layout: %q", a)
	}
}

func TestDateShift_WithinWindow(t *testing.T) {
	d := newTestDeidentifier(t)
	orig, _ := time.Parse("2006-01-02", "2020-06-15")
	for _, id := range []string{"a", "b", "c", "d", "e", "case-xyz"} {
		shifted, err := time.Parse("2006-01-02", d.DateShift("2020-06-15", id))
		if err != nil {
			t.Fatalf("unparsable shifted date for %s: %v", id, err)
		}
		days := int(shifted.Sub(orig).Hours() / 24)
		if days == 0 || days < -31 || days > 31 {
			t.Errorf("record %s shifted by %d days", id, days)
		}
	}
}

func TestDateShift_UnparsableCensorsToEmpty(t *testing.T) {
	d := newTestDeidentifier(t)
	if got := d.DateShift("not-a-date", "case-1"); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestIDHash_DeterministicAndIrreversible(t *testing.T) {
	d := newTestDeidentifier(t)
	a := d.IDHash("+15551234567")
	b := d.IDHash("+15551234567")
	if a != b {
		t.Errorf("hash must be deterministic: %q vs %q", a, b)
	}
	if a == "+15551234567" || a == "" {
		t.Errorf("hash must replace the value: %q", a)
	}
	if d.IDHash("other") == a {
		t.Error("distinct inputs must not collide")
	}
}

func TestIDHash_KeyDependent(t *testing.T) {
	d1 := newTestDeidentifier(t)
	d2, err := New(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d1.IDHash("value") == d2.IDHash("value") {
		t.Error("different keys must produce different hashes")
	}
}
