package casexml

import (
	"bytes"
	"encoding/xml"
	"io"
	"time"
)

// EnvelopeMeta is the OpenRosa metadata block of a parsed envelope.
type EnvelopeMeta struct {
	DeviceID   string `xml:"deviceID"`
	TimeStart  string `xml:"timeStart"`
	TimeEnd    string `xml:"timeEnd"`
	Username   string `xml:"username"`
	UserID     string `xml:"userID"`
	InstanceID string `xml:"instanceID"`
}

// ParsedEnvelope is the result of decoding a rendered submission envelope.
// Blocks preserves the order the case blocks were listed in.
type ParsedEnvelope struct {
	XMLNS    string
	FormName string
	Blocks   []*CaseBlock
	Meta     EnvelopeMeta
}

// ParseEnvelope decodes a full submission envelope. Unparsable input
// fails with *MalformedXMLError.
func ParseEnvelope(data []byte) (*ParsedEnvelope, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	root, err := nextStartElement(dec)
	if err != nil {
		return nil, &MalformedXMLError{Err: err}
	}
	env := &ParsedEnvelope{XMLNS: root.Name.Space}
	for _, attr := range root.Attr {
		if attr.Name.Local == "name" {
			env.FormName = attr.Value
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &MalformedXMLError{Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "case":
			var xc xmlCase
			if err := dec.DecodeElement(&xc, &start); err != nil {
				return nil, &MalformedXMLError{Err: err}
			}
			block, err := xc.toBlock()
			if err != nil {
				return nil, err
			}
			env.Blocks = append(env.Blocks, block)
		case "meta":
			if err := dec.DecodeElement(&env.Meta, &start); err != nil {
				return nil, &MalformedXMLError{Err: err}
			}
		default:
			if err := dec.Skip(); err != nil {
				return nil, &MalformedXMLError{Err: err}
			}
		}
	}
	return env, nil
}

// ParseCaseBlocks decodes a concatenation of case block fragments,
// preserving order. Unparsable input fails with *MalformedXMLError.
func ParseCaseBlocks(data []byte) ([]*CaseBlock, error) {
	// Fragments have no single root; wrap them so the decoder accepts them.
	wrapped := make([]byte, 0, len(data)+17)
	wrapped = append(wrapped, "<blocks>"...)
	wrapped = append(wrapped, data...)
	wrapped = append(wrapped, "</blocks>"...)

	dec := xml.NewDecoder(bytes.NewReader(wrapped))
	if _, err := nextStartElement(dec); err != nil {
		return nil, &MalformedXMLError{Err: err}
	}

	var blocks []*CaseBlock
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &MalformedXMLError{Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "case" {
			if err := dec.Skip(); err != nil {
				return nil, &MalformedXMLError{Err: err}
			}
			continue
		}
		var xc xmlCase
		if err := dec.DecodeElement(&xc, &start); err != nil {
			return nil, &MalformedXMLError{Err: err}
		}
		block, err := xc.toBlock()
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func nextStartElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

// -- decoding shapes --

type xmlCase struct {
	CaseID       string          `xml:"case_id,attr"`
	DateModified string          `xml:"date_modified,attr"`
	UserID       string          `xml:"user_id,attr"`
	Create       *xmlCreate      `xml:"create"`
	Update       *xmlProps       `xml:"update"`
	Close        *struct{}       `xml:"close"`
	Index        *xmlIndices     `xml:"index"`
	Attachment   *xmlAttachments `xml:"attachment"`
}

type xmlCreate struct {
	CaseType string `xml:"case_type"`
	CaseName string `xml:"case_name"`
	OwnerID  string `xml:"owner_id"`
}

// xmlProps decodes an element whose children are arbitrary property names.
type xmlProps struct {
	pairs []elem
}

func (p *xmlProps) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var value string
			if err := dec.DecodeElement(&value, &t); err != nil {
				return err
			}
			p.pairs = append(p.pairs, elem{name: t.Name.Local, value: value})
		case xml.EndElement:
			return nil
		}
	}
}

type xmlIndices struct {
	indices []CaseIndex
}

func (x *xmlIndices) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			idx := CaseIndex{Identifier: t.Name.Local}
			for _, attr := range t.Attr {
				switch attr.Name.Local {
				case "case_type":
					idx.CaseType = attr.Value
				case "relationship":
					idx.Relationship = attr.Value
				}
			}
			if err := dec.DecodeElement(&idx.CaseID, &t); err != nil {
				return err
			}
			x.indices = append(x.indices, idx)
		case xml.EndElement:
			return nil
		}
	}
}

type xmlAttachments struct {
	attachments []Attachment
}

func (x *xmlAttachments) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			a := Attachment{Name: t.Name.Local}
			for _, attr := range t.Attr {
				switch attr.Name.Local {
				case "from":
					a.From = attr.Value
				case "src":
					a.Src = attr.Value
				}
			}
			if err := dec.Skip(); err != nil {
				return err
			}
			x.attachments = append(x.attachments, a)
		case xml.EndElement:
			return nil
		}
	}
}

func (xc *xmlCase) toBlock() (*CaseBlock, error) {
	if xc.CaseID == "" {
		return nil, validationErrorf("case block is missing a case id")
	}

	b := &CaseBlock{
		CaseID: xc.CaseID,
		UserID: xc.UserID,
		Close:  xc.Close != nil,
	}
	if xc.DateModified != "" {
		t, err := parseTime(xc.DateModified)
		if err != nil {
			return nil, &MalformedXMLError{Err: err}
		}
		b.DateModified = t
	}
	if xc.Create != nil {
		b.Create = true
		b.CaseType = xc.Create.CaseType
		b.CaseName = xc.Create.CaseName
		b.OwnerID = xc.Create.OwnerID
	}
	if xc.Update != nil {
		for _, pair := range xc.Update.pairs {
			switch pair.name {
			case ExternalIDProperty:
				b.ExternalID = pair.value
			case "owner_id":
				b.OwnerID = pair.value
			default:
				if b.Update == nil {
					b.Update = make(map[string]string)
				}
				b.Update[pair.name] = pair.value
			}
		}
	}
	if xc.Index != nil {
		b.Indices = xc.Index.indices
	}
	if xc.Attachment != nil {
		b.Attachments = xc.Attachment.attachments
	}
	return b, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
