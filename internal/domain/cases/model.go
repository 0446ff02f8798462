package cases

import (
	"time"

	"github.com/casehq/casehq/internal/casexml"
)

// Case is the mutable record tracked by the submission pipeline. A case
// belongs to exactly one domain; it is created by a create block, mutated
// by update blocks, and terminated by a close block.
//
// The schema is explicit: named fields below plus the typed Properties
// map. There is no dynamic attribute probing.
type Case struct {
	CaseID     string     `db:"case_id" json:"case_id"`
	Domain     string     `db:"domain" json:"domain"`
	Type       string     `db:"case_type" json:"case_type"`
	Name       string     `db:"case_name" json:"case_name"`
	ExternalID *string    `db:"external_id" json:"external_id,omitempty"`
	OwnerID    string     `db:"owner_id" json:"owner_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	Closed     bool       `db:"closed" json:"closed"`
	OpenedOn   time.Time  `db:"opened_on" json:"opened_on"`
	ModifiedOn time.Time  `db:"modified_on" json:"modified_on"`
	ClosedOn   *time.Time `db:"closed_on" json:"closed_on,omitempty"`

	Properties map[string]string `json:"properties,omitempty"`
	Indices    []CaseIndexRef    `json:"indices,omitempty"`
}

// CaseIndexRef is a named reference from this case to another
// (parent/child or host/extension).
type CaseIndexRef struct {
	Identifier   string `db:"identifier" json:"identifier"`
	CaseType     string `db:"referenced_type" json:"referenced_type"`
	ReferencedID string `db:"referenced_id" json:"referenced_id"`
	Relationship string `db:"relationship" json:"relationship"`
}

// Form is the persisted submission record: one row per accepted envelope.
type Form struct {
	FormID     string    `db:"form_id" json:"form_id"`
	Domain     string    `db:"domain" json:"domain"`
	XMLNS      string    `db:"xmlns" json:"xmlns"`
	FormName   string    `db:"form_name" json:"form_name,omitempty"`
	Username   string    `db:"username" json:"username"`
	UserID     string    `db:"user_id" json:"user_id"`
	DeviceID   string    `db:"device_id" json:"device_id"`
	ReceivedOn time.Time `db:"received_on" json:"received_on"`
	XML        []byte    `db:"raw_xml" json:"-"`
}

// SourceName returns the human-readable name of the subsystem that
// produced the form, falling back to the raw xmlns.
func (f *Form) SourceName() string {
	if name, ok := casexml.KnownXMLNSNames[f.XMLNS]; ok {
		return name
	}
	return f.XMLNS
}

// specialAttributes is the fixed set of computed/record-level fields that
// short-circuit to attribute-style lookup during de-identification.
var specialAttributes = map[string]func(*Case) string{
	"case_id":       func(c *Case) string { return c.CaseID },
	"case_type":     func(c *Case) string { return c.Type },
	"case_name":     func(c *Case) string { return c.Name },
	"owner_id":      func(c *Case) string { return c.OwnerID },
	"external_id":   func(c *Case) string { return strVal(c.ExternalID) },
	"date_opened":   func(c *Case) string { return formatDate(c.OpenedOn) },
	"last_modified": func(c *Case) string { return formatDate(c.ModifiedOn) },
	"closed_on": func(c *Case) string {
		if c.ClosedOn == nil {
			return ""
		}
		return formatDate(*c.ClosedOn)
	},
	"status": func(c *Case) string {
		if c.Closed {
			return "closed"
		}
		return "open"
	},
}

// RecordID implements deid.Record.
func (c *Case) RecordID() string { return c.CaseID }

// AttributeValue implements deid.Record for the fixed attribute set.
func (c *Case) AttributeValue(name string) (string, bool) {
	fn, ok := specialAttributes[name]
	if !ok {
		return "", false
	}
	return fn(c), true
}

// PropertyValue implements deid.Record for the dynamic property map.
func (c *Case) PropertyValue(name string) (string, bool) {
	v, ok := c.Properties[name]
	return v, ok
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return casexml.FormatTime(t)
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
