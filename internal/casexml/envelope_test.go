package casexml

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func renderBlocks(t *testing.T, blocks ...*CaseBlock) []byte {
	t.Helper()
	var out []byte
	for _, b := range blocks {
		xmlBytes, err := b.ToXML()
		if err != nil {
			t.Fatalf("render block %s: %v", b.CaseID, err)
		}
		out = append(out, xmlBytes...)
	}
	return out
}

func TestEnvelope_RoundTrip(t *testing.T) {
	create := NewCreateBlock("abc", "contact", "Jessica", "owner-1", "user-1",
		map[string]string{"age": "25"})
	update := NewUpdateBlock("xyz", map[string]string{"status": "done"}, true, "")

	env := &Envelope{
		Username:   "jdoe",
		UserID:     "user-1",
		DeviceID:   "rule-7",
		FormID:     "form-123",
		CaseBlocks: renderBlocks(t, create, update),
	}
	rendered, err := env.Render()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := ParseEnvelope(rendered)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.XMLNS != SystemFormXMLNS {
		t.Errorf("expected default xmlns %q, got %q", SystemFormXMLNS, parsed.XMLNS)
	}
	if parsed.Meta.InstanceID != "form-123" {
		t.Errorf("expected instance id form-123, got %q", parsed.Meta.InstanceID)
	}
	if parsed.Meta.Username != "jdoe" || parsed.Meta.UserID != "user-1" {
		t.Errorf("meta identity mismatch: %+v", parsed.Meta)
	}
	if parsed.Meta.DeviceID != "rule-7" {
		t.Errorf("expected device id rule-7, got %q", parsed.Meta.DeviceID)
	}

	if len(parsed.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(parsed.Blocks))
	}
	first, second := parsed.Blocks[0], parsed.Blocks[1]
	if first.CaseID != "abc" || !first.Create || first.CaseType != "contact" {
		t.Errorf("first block mismatch: %+v", first)
	}
	if first.Update["age"] != "25" {
		t.Errorf("first block properties mismatch: %v", first.Update)
	}
	if second.CaseID != "xyz" || !second.Close || second.Update["status"] != "done" {
		t.Errorf("second block mismatch: %+v", second)
	}
}

func TestEnvelope_GeneratesFormID(t *testing.T) {
	env := &Envelope{
		Username:   "system",
		CaseBlocks: renderBlocks(t, NewUpdateBlock("abc", map[string]string{"x": "1"}, false, "")),
	}
	if _, err := env.Render(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.FormID) != 32 {
		t.Errorf("expected 32-char hex form id, got %q", env.FormID)
	}
	if strings.Contains(env.FormID, "-") {
		t.Errorf("form id should not contain dashes: %q", env.FormID)
	}
}

func TestEnvelope_MalformedBlocksRejected(t *testing.T) {
	env := &Envelope{
		Username:   "system",
		CaseBlocks: []byte(`<case case_id="abc"><update>`),
	}
	_, err := env.Render()
	var merr *MalformedXMLError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MalformedXMLError, got %v", err)
	}
}

func TestEnvelope_CustomXMLNSPreserved(t *testing.T) {
	env := &Envelope{
		XMLNS:      AutoUpdateXMLNS,
		FormName:   "My Update Rule",
		Username:   "system",
		CaseBlocks: renderBlocks(t, NewUpdateBlock("abc", map[string]string{"x": "1"}, false, "")),
	}
	rendered, err := env.Render()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := ParseEnvelope(rendered)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.XMLNS != AutoUpdateXMLNS {
		t.Errorf("expected xmlns %q, got %q", AutoUpdateXMLNS, parsed.XMLNS)
	}
	if parsed.FormName != "My Update Rule" {
		t.Errorf("expected form name preserved, got %q", parsed.FormName)
	}
}

func TestEnvelope_TimestampFormat(t *testing.T) {
	env := &Envelope{
		Username:   "system",
		Time:       time.Date(2011, 12, 20, 0, 11, 2, 0, time.UTC),
		CaseBlocks: renderBlocks(t, NewUpdateBlock("abc", map[string]string{"x": "1"}, false, "")),
	}
	rendered, err := env.Render()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := ParseEnvelope(rendered)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	const want = "2011-12-20T00:11:02.000000Z"
	if parsed.Meta.TimeStart != want || parsed.Meta.TimeEnd != want {
		t.Errorf("expected timeStart/timeEnd %q, got %q / %q", want, parsed.Meta.TimeStart, parsed.Meta.TimeEnd)
	}
}

func TestKnownXMLNSNames(t *testing.T) {
	if KnownXMLNSNames[SystemFormXMLNS] != "System Form" {
		t.Error("system form xmlns should have a display name")
	}
	if _, ok := KnownXMLNSNames["http://example.com/unknown"]; ok {
		t.Error("unknown xmlns should not be mapped")
	}
}
