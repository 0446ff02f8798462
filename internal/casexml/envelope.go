package casexml

import (
	"bytes"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// OpenRosaXMLNS is the namespace of the envelope metadata block.
const OpenRosaXMLNS = "http://openrosa.org/jr/xforms"

// envelopeTemplate is the canonical submission envelope. Its shape is a de
// facto wire format consumed by the form processor and must not change.
var envelopeTemplate = template.Must(template.New("envelope").Parse(strings.TrimSpace(`
<?xml version="1.0" ?>
<data xmlns="{{.XMLNS}}" name="{{.FormName}}">
    {{.CaseBlocks}}
    <n0:meta xmlns:n0="http://openrosa.org/jr/xforms">
        <n0:deviceID>{{.DeviceID}}</n0:deviceID>
        <n0:timeStart>{{.Time}}</n0:timeStart>
        <n0:timeEnd>{{.Time}}</n0:timeEnd>
        <n0:username>{{.Username}}</n0:username>
        <n0:userID>{{.UserID}}</n0:userID>
        <n0:instanceID>{{.FormID}}</n0:instanceID>
    </n0:meta>
</data>
`)))

// Envelope bundles one or more rendered case blocks with submission
// metadata. It is transient: it exists only for the duration of one
// submission call.
type Envelope struct {
	XMLNS      string // defaults to SystemFormXMLNS
	FormName   string
	FormID     string // fresh random id generated when empty
	Username   string
	UserID     string
	DeviceID   string
	Time       time.Time // defaults to now (UTC)
	CaseBlocks []byte    // concatenated pre-rendered case block XML
}

// NewFormID returns a fresh random form id (32 lowercase hex characters).
func NewFormID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Render produces the envelope XML. The concatenated case blocks are
// parsed first; anything that does not round-trip fails with
// *MalformedXMLError before any submission can happen.
func (e *Envelope) Render() ([]byte, error) {
	if _, err := ParseCaseBlocks(e.CaseBlocks); err != nil {
		return nil, err
	}

	if e.FormID == "" {
		e.FormID = NewFormID()
	}
	if e.XMLNS == "" {
		e.XMLNS = SystemFormXMLNS
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	var buf bytes.Buffer
	err := envelopeTemplate.Execute(&buf, map[string]string{
		"XMLNS":      escapeXML(e.XMLNS),
		"FormName":   escapeXML(e.FormName),
		"FormID":     escapeXML(e.FormID),
		"Username":   escapeXML(e.Username),
		"UserID":     escapeXML(e.UserID),
		"DeviceID":   escapeXML(e.DeviceID),
		"Time":       FormatTime(e.Time),
		"CaseBlocks": string(e.CaseBlocks),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
