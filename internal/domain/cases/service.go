package cases

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casehq/casehq/internal/casexml"
	"github.com/casehq/casehq/internal/platform/deid"
)

// Service is the application-facing entry point for case reads and
// writes. All mutations flow through the submission gateway as rendered
// envelopes; nothing writes to the case store directly.
type Service struct {
	repo     CaseRepository
	forms    FormRepository
	gateway  SubmissionGateway
	resolver *Resolver
	deid     *deid.Deidentifier
}

func NewService(repo CaseRepository, forms FormRepository, gw SubmissionGateway, resolver *Resolver, d *deid.Deidentifier) *Service {
	return &Service{repo: repo, forms: forms, gateway: gw, resolver: resolver, deid: d}
}

// SubmitOptions configures a system-generated submission.
type SubmitOptions struct {
	Domain   string
	Username string
	UserID   string
	XMLNS    string
	FormID   string
	FormName string
	DeviceID string

	Attachments map[string][]byte
	MaxWait     time.Duration
}

// SubmitBlocks renders the given case blocks into a submission envelope
// and hands it to the gateway.
func (s *Service) SubmitBlocks(ctx context.Context, blocks []*casexml.CaseBlock, opts SubmitOptions) (*SubmissionResult, error) {
	var rendered []byte
	for _, b := range blocks {
		xmlBytes, err := b.ToXML()
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, xmlBytes...)
	}

	env := &casexml.Envelope{
		XMLNS:      opts.XMLNS,
		FormName:   opts.FormName,
		FormID:     opts.FormID,
		Username:   opts.Username,
		UserID:     opts.UserID,
		DeviceID:   opts.DeviceID,
		CaseBlocks: rendered,
	}
	envelope, err := env.Render()
	if err != nil {
		return nil, err
	}

	return s.gateway.Submit(ctx, &SubmissionRequest{
		Domain:      opts.Domain,
		EnvelopeXML: envelope,
		Attachments: opts.Attachments,
		MaxWait:     opts.MaxWait,
	})
}

// SubmitEnvelope forwards an already-rendered envelope, e.g. one received
// over the submission API.
func (s *Service) SubmitEnvelope(ctx context.Context, domain string, envelope []byte, attachments map[string][]byte, maxWait time.Duration) (*SubmissionResult, error) {
	return s.gateway.Submit(ctx, &SubmissionRequest{
		Domain:      domain,
		EnvelopeXML: envelope,
		Attachments: attachments,
		MaxWait:     maxWait,
	})
}

// CreateCase creates a case with a fresh id and any extra properties in
// one transaction. An external_id property becomes the case's external id.
func (s *Service) CreateCase(ctx context.Context, domain, caseType, caseName, ownerID, userID string, props map[string]string, opts SubmitOptions) (*SubmissionResult, error) {
	caseID := strings.ReplaceAll(uuid.NewString(), "-", "")
	block := casexml.NewCreateBlock(caseID, caseType, caseName, ownerID, userID, props)
	opts.Domain = domain
	if opts.UserID == "" {
		opts.UserID = userID
	}
	return s.SubmitBlocks(ctx, []*casexml.CaseBlock{block}, opts)
}

// UpdateCase applies property changes to one case and optionally closes
// it, on behalf of the system user.
func (s *Service) UpdateCase(ctx context.Context, domain, caseID string, props map[string]string, close bool, ownerID string, opts SubmitOptions) (*SubmissionResult, error) {
	block := casexml.NewUpdateBlock(caseID, props, close, ownerID)
	opts.Domain = domain
	if opts.UserID == "" {
		opts.UserID = casexml.SystemUserID
	}
	return s.SubmitBlocks(ctx, []*casexml.CaseBlock{block}, opts)
}

// CaseChange is one entry in a bulk update.
type CaseChange struct {
	CaseID     string            `json:"case_id"`
	Properties map[string]string `json:"properties,omitempty"`
	Close      bool              `json:"close,omitempty"`
	OwnerID    string            `json:"owner_id,omitempty"`
}

// ChangeResult reports the outcome of one entry in a bulk update.
type ChangeResult struct {
	CaseID string `json:"case_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// BulkResult reports a bulk update: per-entry outcomes plus the form that
// carried the accepted entries. FormID is empty when nothing was accepted.
type BulkResult struct {
	FormID  string         `json:"form_id,omitempty"`
	Results []ChangeResult `json:"results"`
}

// BulkUpdateCases applies many case changes in a single submission.
// Invalid entries are reported per entry and do not block the valid ones;
// accepted entries ride one envelope and are applied in input order.
func (s *Service) BulkUpdateCases(ctx context.Context, domain string, changes []CaseChange, opts SubmitOptions) (*BulkResult, error) {
	result := &BulkResult{Results: make([]ChangeResult, len(changes))}

	var blocks []*casexml.CaseBlock
	var accepted []int
	for i, change := range changes {
		result.Results[i].CaseID = change.CaseID
		block := casexml.NewUpdateBlock(change.CaseID, change.Properties, change.Close, change.OwnerID)
		if _, err := block.ToXML(); err != nil {
			result.Results[i].Error = err.Error()
			continue
		}
		blocks = append(blocks, block)
		accepted = append(accepted, i)
	}

	if len(blocks) == 0 {
		return result, nil
	}

	opts.Domain = domain
	sub, err := s.SubmitBlocks(ctx, blocks, opts)
	if err != nil {
		return nil, err
	}
	result.FormID = sub.FormID
	for _, i := range accepted {
		result.Results[i].OK = true
	}
	return result, nil
}

// GetCase fetches a case within a domain. Missing cases return ErrNotFound.
func (s *Service) GetCase(ctx context.Context, domain, caseID string) (*Case, error) {
	return s.repo.Get(ctx, domain, caseID)
}

// ListCases pages through a domain's cases.
func (s *Service) ListCases(ctx context.Context, domain string, limit, offset int) ([]*Case, int, error) {
	return s.repo.List(ctx, domain, limit, offset)
}

// ResolveCase finds a case by an opaque identifier: alternate identifier
// types first, then primary id. (nil, nil) means no match.
func (s *Service) ResolveCase(ctx context.Context, domain, identifier string) (*Case, error) {
	return s.resolver.Resolve(ctx, domain, identifier)
}

// GetForm fetches a stored submission record.
func (s *Service) GetForm(ctx context.Context, domain, formID string) (*Form, error) {
	return s.forms.Get(ctx, domain, formID)
}

// GetFormAttachment fetches one attachment of a stored submission.
func (s *Service) GetFormAttachment(ctx context.Context, domain, formID, name string) ([]byte, error) {
	return s.forms.GetAttachment(ctx, domain, formID, name)
}

// DeidentifiedView holds the censored fields of a case.
type DeidentifiedView struct {
	Attributes map[string]string `json:"attributes"`
	Properties map[string]string `json:"properties"`
}

// DeidentifyCase fetches a case and returns its censored fields per the
// censor configuration (field name to transform name).
func (s *Service) DeidentifyCase(ctx context.Context, domain, caseID string, censor map[string]string) (*DeidentifiedView, error) {
	c, err := s.repo.Get(ctx, domain, caseID)
	if err != nil {
		return nil, err
	}
	attrs, props := s.deid.Deidentify(c, censor)
	return &DeidentifiedView{Attributes: attrs, Properties: props}, nil
}
