package casexml

import (
	"bytes"
	"encoding/xml"
	"sort"
	"time"
)

const (
	// XMLNSCaseTransaction is the namespace of a single case block. The
	// downstream form processor matches on it byte-for-byte.
	XMLNSCaseTransaction = "http://commcarehq.org/case/transaction/v2"

	// SystemFormXMLNS identifies envelopes generated by the platform itself
	// rather than by a device submission.
	SystemFormXMLNS = "http://commcarehq.org/case"
	// EditFormXMLNS identifies data-cleaning edits.
	EditFormXMLNS = "http://commcarehq.org/case/edit"
	// AutoUpdateXMLNS identifies automatic case update rules.
	AutoUpdateXMLNS = "http://commcarehq.org/hq_case_update_rule"
	// DedupeXMLNS identifies deduplication rule submissions.
	DedupeXMLNS = "http://commcarehq.org/hq_case_deduplication_rule"

	// SystemUserID is the submitter identity for server-generated forms.
	SystemUserID = "system"

	// ExternalIDProperty is extracted from generic property maps and
	// promoted to a first-class field on the block.
	ExternalIDProperty = "external_id"
)

// KnownXMLNSNames maps system form namespaces to human-readable source names.
var KnownXMLNSNames = map[string]string{
	SystemFormXMLNS: "System Form",
	EditFormXMLNS:   "Data Cleaning Form",
	AutoUpdateXMLNS: "Automatic Case Update Rule",
	DedupeXMLNS:     "Deduplication Rule",
}

// timeLayout is ISO-8601 UTC with microsecond precision.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the wire timestamp format (UTC, microseconds).
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// CaseIndex references another case (parent/child or host/extension).
type CaseIndex struct {
	Identifier   string // element name, e.g. "parent" or "host"
	CaseType     string
	CaseID       string
	Relationship string // "child" (default) or "extension"
}

// Attachment names a binary attached to the case.
type Attachment struct {
	Name string
	From string // attachment source, normally "local"
	Src  string
}

// CaseBlock describes one create/update/close mutation against a single
// case. It is a pure value object: building and rendering it has no side
// effects.
type CaseBlock struct {
	CaseID       string
	DateModified time.Time
	UserID       string

	// Create fields. CaseType is required when Create is set.
	Create   bool
	CaseType string
	CaseName string
	OwnerID  string

	// ExternalID is a first-class field, never a generic property.
	ExternalID string

	Update      map[string]string
	Close       bool
	Indices     []CaseIndex
	Attachments []Attachment
}

// NewCreateBlock builds a block that creates a case and sets any extra
// properties in the same transaction. An external_id property is promoted
// out of props.
func NewCreateBlock(caseID, caseType, caseName, ownerID, userID string, props map[string]string) *CaseBlock {
	b := &CaseBlock{
		CaseID:   caseID,
		UserID:   userID,
		Create:   true,
		CaseType: caseType,
		CaseName: caseName,
		OwnerID:  ownerID,
	}
	b.setProperties(props)
	return b
}

// NewUpdateBlock builds a block that updates and/or closes an existing
// case on behalf of the system user. An external_id property is promoted
// out of props. ownerID, when non-empty, reassigns the case.
func NewUpdateBlock(caseID string, props map[string]string, close bool, ownerID string) *CaseBlock {
	b := &CaseBlock{
		CaseID:  caseID,
		UserID:  SystemUserID,
		Close:   close,
		OwnerID: ownerID,
	}
	b.setProperties(props)
	return b
}

func (b *CaseBlock) setProperties(props map[string]string) {
	if len(props) == 0 {
		return
	}
	update := make(map[string]string, len(props))
	for k, v := range props {
		if k == ExternalIDProperty {
			b.ExternalID = v
			continue
		}
		update[k] = v
	}
	if len(update) > 0 {
		b.Update = update
	}
}

// ToXML renders the block in the case-transaction-v2 wire format.
func (b *CaseBlock) ToXML() ([]byte, error) {
	if b.CaseID == "" {
		return nil, validationErrorf("case block requires a case id")
	}
	if b.Create && b.CaseType == "" {
		return nil, validationErrorf("create block for case %s requires a case type", b.CaseID)
	}

	modified := b.DateModified
	if modified.IsZero() {
		modified = time.Now().UTC()
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	caseStart := xml.StartElement{
		Name: xml.Name{Local: "case"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "case_id"}, Value: b.CaseID},
			{Name: xml.Name{Local: "date_modified"}, Value: FormatTime(modified)},
			{Name: xml.Name{Local: "user_id"}, Value: b.UserID},
			{Name: xml.Name{Local: "xmlns"}, Value: XMLNSCaseTransaction},
		},
	}
	if err := enc.EncodeToken(caseStart); err != nil {
		return nil, err
	}

	if b.Create {
		if err := encodeElems(enc, "create", createElems(b)); err != nil {
			return nil, err
		}
	}
	if update := b.updateElems(); len(update) > 0 {
		if err := encodeElems(enc, "update", update); err != nil {
			return nil, err
		}
	}
	if len(b.Indices) > 0 {
		if err := b.encodeIndices(enc); err != nil {
			return nil, err
		}
	}
	if len(b.Attachments) > 0 {
		if err := b.encodeAttachments(enc); err != nil {
			return nil, err
		}
	}
	if b.Close {
		closeEl := xml.StartElement{Name: xml.Name{Local: "close"}}
		if err := enc.EncodeToken(closeEl); err != nil {
			return nil, err
		}
		if err := enc.EncodeToken(closeEl.End()); err != nil {
			return nil, err
		}
	}

	if err := enc.EncodeToken(caseStart.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type elem struct {
	name  string
	value string
}

func createElems(b *CaseBlock) []elem {
	elems := []elem{{"case_type", b.CaseType}}
	if b.CaseName != "" {
		elems = append(elems, elem{"case_name", b.CaseName})
	}
	if b.OwnerID != "" {
		elems = append(elems, elem{"owner_id", b.OwnerID})
	}
	return elems
}

// updateElems returns the contents of the <update> element in stable
// order: external_id first, owner_id reassignment next (update blocks
// only; on create it belongs to <create>), then generic properties sorted
// by name.
func (b *CaseBlock) updateElems() []elem {
	var elems []elem
	if b.ExternalID != "" {
		elems = append(elems, elem{ExternalIDProperty, b.ExternalID})
	}
	if !b.Create && b.OwnerID != "" {
		elems = append(elems, elem{"owner_id", b.OwnerID})
	}
	names := make([]string, 0, len(b.Update))
	for name := range b.Update {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		elems = append(elems, elem{name, b.Update[name]})
	}
	return elems
}

func encodeElems(enc *xml.Encoder, wrapper string, elems []elem) error {
	start := xml.StartElement{Name: xml.Name{Local: wrapper}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, e := range elems {
		el := xml.StartElement{Name: xml.Name{Local: e.name}}
		if err := enc.EncodeToken(el); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(e.value)); err != nil {
			return err
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (b *CaseBlock) encodeIndices(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: "index"}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, idx := range b.Indices {
		rel := idx.Relationship
		if rel == "" {
			rel = "child"
		}
		el := xml.StartElement{
			Name: xml.Name{Local: idx.Identifier},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "case_type"}, Value: idx.CaseType},
				{Name: xml.Name{Local: "relationship"}, Value: rel},
			},
		}
		if err := enc.EncodeToken(el); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(idx.CaseID)); err != nil {
			return err
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (b *CaseBlock) encodeAttachments(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: "attachment"}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, a := range b.Attachments {
		from := a.From
		if from == "" {
			from = "local"
		}
		attrs := []xml.Attr{{Name: xml.Name{Local: "from"}, Value: from}}
		if a.Src != "" {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "src"}, Value: a.Src})
		}
		el := xml.StartElement{Name: xml.Name{Local: a.Name}, Attr: attrs}
		if err := enc.EncodeToken(el); err != nil {
			return err
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
