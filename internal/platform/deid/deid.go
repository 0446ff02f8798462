// Package deid provides deterministic de-identification transforms for
// case data exports. Key material is injected explicitly; there is no
// process-global state.
package deid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Transform names form a closed set. An unknown name yields an empty
// string for the field rather than failing the whole operation.
const (
	TransformDateShift = "deid_date"
	TransformIDHash    = "deid_id"
)

// maxShiftDays bounds the date-shift window on either side of the
// original value. The shift is never zero.
const maxShiftDays = 31

// Record is the view of a case that de-identification needs. Attribute
// lookups cover the fixed set of well-known computed fields; property
// lookups cover the dynamic property map. A name matching neither is
// untyped and excluded from output.
type Record interface {
	RecordID() string
	AttributeValue(name string) (string, bool)
	PropertyValue(name string) (string, bool)
}

// Deidentifier applies the de-identification transforms using a fixed
// 32-byte key.
type Deidentifier struct {
	key []byte
}

// New creates a Deidentifier with the given 32-byte key.
func New(key []byte) (*Deidentifier, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("deid: key must be 32 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Deidentifier{key: k}, nil
}

// Deidentify returns the censored fields of rec split into record-level
// attributes and dynamic properties. Fields whose current value is blank
// are skipped entirely; fields matching neither classification are
// excluded; unknown transform names produce an empty string value.
func (d *Deidentifier) Deidentify(rec Record, censor map[string]string) (attrs, props map[string]string) {
	attrs = map[string]string{}
	props = map[string]string{}

	for field, transform := range censor {
		value, isProperty, ok := classify(rec, field)
		if !ok || value == "" {
			continue
		}
		censored := d.Apply(transform, value, rec.RecordID())
		if isProperty {
			props[field] = censored
		} else {
			attrs[field] = censored
		}
	}
	return attrs, props
}

// classify resolves a field name against the record. Attribute lookup
// short-circuits property lookup.
func classify(rec Record, field string) (value string, isProperty, ok bool) {
	if field == "" {
		return "", false, false
	}
	if v, ok := rec.AttributeValue(field); ok {
		return v, false, true
	}
	if v, ok := rec.PropertyValue(field); ok {
		return v, true, true
	}
	return "", false, false
}

// Apply runs a single transform over a value. recordID keys the date
// shift so all dates on one record shift by the same amount.
func (d *Deidentifier) Apply(transform, value, recordID string) string {
	switch transform {
	case TransformDateShift:
		return d.DateShift(value, recordID)
	case TransformIDHash:
		return d.IDHash(value)
	default:
		return ""
	}
}

// dateLayouts are the accepted input formats, tried in order. Output
// preserves the matched layout.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05.000000Z",
	time.RFC3339,
}

// DateShift shifts a date value by a deterministic per-record offset in
// [-31, +31] days, never zero. Unparsable values censor to "".
func (d *Deidentifier) DateShift(value, recordID string) string {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		return t.AddDate(0, 0, d.shiftDays(recordID)).Format(layout)
	}
	return ""
}

// shiftDays derives the per-record day offset from the record id.
func (d *Deidentifier) shiftDays(recordID string) int {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(recordID))
	n := binary.BigEndian.Uint64(mac.Sum(nil)[:8])

	// Map onto [1, 2*maxShiftDays], then fold the upper half negative so
	// zero is impossible.
	offset := int(n%(2*maxShiftDays)) + 1
	if offset > maxShiftDays {
		return maxShiftDays - offset
	}
	return offset
}

// IDHash irreversibly hashes an identifier. The same input always maps
// to the same output under one key.
func (d *Deidentifier) IDHash(value string) string {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}
