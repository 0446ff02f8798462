package casexml

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCreateBlock_XML(t *testing.T) {
	b := NewCreateBlock("case-abc123", "my_case", "Jessica", "group-abc123", "user-abc123",
		map[string]string{"age": "25"})
	b.DateModified = time.Date(2011, 12, 20, 0, 11, 2, 0, time.UTC)
	b.Attachments = []Attachment{{Name: "fruity_file", From: "local", Src: "./attachments/fruity.jpg"}}

	out, err := b.ToXML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	xmlStr := string(out)

	for _, want := range []string{
		`case_id="case-abc123"`,
		`date_modified="2011-12-20T00:11:02.000000Z"`,
		`user_id="user-abc123"`,
		`xmlns="http://commcarehq.org/case/transaction/v2"`,
		`<create><case_type>my_case</case_type><case_name>Jessica</case_name><owner_id>group-abc123</owner_id></create>`,
		`<update><age>25</age></update>`,
		`<attachment><fruity_file from="local" src="./attachments/fruity.jpg"></fruity_file></attachment>`,
	} {
		if !strings.Contains(xmlStr, want) {
			t.Errorf("XML missing %q:\n%s", want, xmlStr)
		}
	}
}

func TestCaseBlock_MissingID(t *testing.T) {
	b := &CaseBlock{Update: map[string]string{"status": "done"}}
	_, err := b.ToXML()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateBlock_MissingType(t *testing.T) {
	b := &CaseBlock{CaseID: "abc", Create: true}
	_, err := b.ToXML()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNewUpdateBlock_ExternalIDPromoted(t *testing.T) {
	props := map[string]string{"external_id": "ext-42", "status": "done"}
	b := NewUpdateBlock("xyz", props, false, "")

	if b.ExternalID != "ext-42" {
		t.Errorf("expected ExternalID ext-42, got %q", b.ExternalID)
	}
	if _, ok := b.Update["external_id"]; ok {
		t.Error("external_id should not remain a generic property")
	}
	// The caller's map is not mutated.
	if props["external_id"] != "ext-42" {
		t.Error("input map was modified")
	}

	out, err := b.ToXML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Count(string(out), "<external_id>"); got != 1 {
		t.Errorf("expected exactly one external_id element, got %d:\n%s", got, out)
	}
}

func TestNewUpdateBlock_CloseMarker(t *testing.T) {
	b := NewUpdateBlock("xyz", map[string]string{"status": "done"}, true, "")
	out, err := b.ToXML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	xmlStr := string(out)
	if !strings.Contains(xmlStr, "<update><status>done</status></update>") {
		t.Errorf("missing update block:\n%s", xmlStr)
	}
	if !strings.Contains(xmlStr, "<close></close>") {
		t.Errorf("missing close marker:\n%s", xmlStr)
	}
	if b.UserID != SystemUserID {
		t.Errorf("expected system user id, got %q", b.UserID)
	}
}

func TestNewUpdateBlock_OwnerReassignment(t *testing.T) {
	b := NewUpdateBlock("xyz", nil, false, "owner-9")
	out, err := b.ToXML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "<update><owner_id>owner-9</owner_id></update>") {
		t.Errorf("owner reassignment should render inside update:\n%s", out)
	}
}

func TestCaseBlock_DeterministicPropertyOrder(t *testing.T) {
	b := NewUpdateBlock("xyz", map[string]string{"b": "2", "a": "1", "c": "3"}, false, "")
	b.DateModified = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := b.ToXML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := b.ToXML()
	if string(first) != string(second) {
		t.Error("rendering is not deterministic")
	}
	if !strings.Contains(string(first), "<a>1</a><b>2</b><c>3</c>") {
		t.Errorf("properties not in sorted order:\n%s", first)
	}
}

func TestCaseBlock_EscapesValues(t *testing.T) {
	b := NewUpdateBlock("xyz", map[string]string{"note": `a < b & "c"`}, false, "")
	out, err := b.ToXML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(out), `a < b`) {
		t.Errorf("value not escaped:\n%s", out)
	}
	blocks, err := ParseCaseBlocks(out)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if got := blocks[0].Update["note"]; got != `a < b & "c"` {
		t.Errorf("round trip value mismatch: %q", got)
	}
}
