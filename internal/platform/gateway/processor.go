package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/casehq/casehq/internal/casexml"
	"github.com/casehq/casehq/internal/domain/cases"
)

// TxRunner executes fn atomically. The server installs db.WithTx so the
// whole envelope persists in one transaction; a nil runner calls fn
// directly.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// FormProcessor is the production submission gateway. One Submit call
// admits one envelope: parse, apply every case block in order, persist
// the case records, the form record, and its attachments as a unit.
type FormProcessor struct {
	store   cases.CaseRepository
	forms   cases.FormRepository
	limiter *DomainLimiter
	inTx    TxRunner
	log     zerolog.Logger
}

func NewFormProcessor(store cases.CaseRepository, forms cases.FormRepository, limiter *DomainLimiter, inTx TxRunner, log zerolog.Logger) *FormProcessor {
	if inTx == nil {
		inTx = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}
	}
	return &FormProcessor{store: store, forms: forms, limiter: limiter, inTx: inTx, log: log}
}

var _ cases.SubmissionGateway = (*FormProcessor)(nil)

// Submit processes one submission envelope. The whole envelope is
// admitted or rejected by the rate limiter as a unit; a rejected
// submission returns cases.ErrRateLimited and has no effect.
func (p *FormProcessor) Submit(ctx context.Context, req *cases.SubmissionRequest) (*cases.SubmissionResult, error) {
	if req.Domain == "" {
		return nil, &casexml.ValidationError{Msg: "submission requires a domain"}
	}
	if !p.limiter.Acquire(ctx, req.Domain, req.MaxWait) {
		p.log.Warn().Str("domain", req.Domain).Msg("submission rejected by rate limiter")
		return nil, cases.ErrRateLimited
	}

	env, err := casexml.ParseEnvelope(req.EnvelopeXML)
	if err != nil {
		return nil, err
	}
	if env.Meta.InstanceID == "" {
		return nil, &casexml.ValidationError{Msg: "submission is missing an instance id"}
	}

	receivedOn := time.Now().UTC()
	touched, err := p.applyBlocks(ctx, req.Domain, env.Blocks)
	if err != nil {
		return nil, err
	}

	form := &cases.Form{
		FormID:     env.Meta.InstanceID,
		Domain:     req.Domain,
		XMLNS:      env.XMLNS,
		FormName:   env.FormName,
		Username:   env.Meta.Username,
		UserID:     env.Meta.UserID,
		DeviceID:   env.Meta.DeviceID,
		ReceivedOn: receivedOn,
		XML:        req.EnvelopeXML,
	}

	// Nothing has been written yet: every block was staged in memory
	// above, so a rejected envelope leaves no trace. The writes below
	// commit or roll back together.
	err = p.inTx(ctx, func(ctx context.Context) error {
		for _, c := range touched {
			if err := p.store.Save(ctx, c); err != nil {
				return err
			}
		}
		if err := p.forms.Save(ctx, form); err != nil {
			return err
		}
		for name, data := range req.Attachments {
			if err := p.forms.SaveAttachment(ctx, req.Domain, form.FormID, name, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// One event per accepted submission, whatever it contained.
	p.log.Info().
		Str("domain", req.Domain).
		Str("form_id", form.FormID).
		Str("xmlns", form.XMLNS).
		Int("case_blocks", len(env.Blocks)).
		Msg("submission processed")

	return &cases.SubmissionResult{FormID: form.FormID, Cases: touched}, nil
}

// applyBlocks stages case blocks in envelope order, in memory only. A
// case touched by several blocks sees them in that order (last write
// wins) and appears once in the result, at its first position. The
// caller persists the result; an error here means nothing was written.
func (p *FormProcessor) applyBlocks(ctx context.Context, domain string, blocks []*casexml.CaseBlock) ([]*cases.Case, error) {
	var touched []*cases.Case
	seen := map[string]*cases.Case{}

	for _, b := range blocks {
		c, ok := seen[b.CaseID]
		if !ok {
			var err error
			c, err = p.loadOrCreate(ctx, domain, b)
			if err != nil {
				return nil, err
			}
			seen[b.CaseID] = c
			touched = append(touched, c)
		} else if b.Create {
			return nil, &casexml.ValidationError{Msg: "duplicate create for case " + b.CaseID}
		}

		applyBlock(c, b)
	}
	return touched, nil
}

func (p *FormProcessor) loadOrCreate(ctx context.Context, domain string, b *casexml.CaseBlock) (*cases.Case, error) {
	if b.Create {
		modified := blockTime(b)
		return &cases.Case{
			CaseID:   b.CaseID,
			Domain:   domain,
			Type:     b.CaseType,
			Name:     b.CaseName,
			OwnerID:  b.OwnerID,
			UserID:   b.UserID,
			OpenedOn: modified,
		}, nil
	}
	c, err := p.store.Get(ctx, domain, b.CaseID)
	if errors.Is(err, cases.ErrNotFound) {
		return nil, &casexml.ValidationError{Msg: "update references unknown case " + b.CaseID}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func applyBlock(c *cases.Case, b *casexml.CaseBlock) {
	modified := blockTime(b)
	c.ModifiedOn = modified
	if b.UserID != "" {
		c.UserID = b.UserID
	}
	if b.ExternalID != "" {
		ext := b.ExternalID
		c.ExternalID = &ext
	}
	if !b.Create && b.OwnerID != "" {
		c.OwnerID = b.OwnerID
	}
	for name, value := range b.Update {
		if c.Properties == nil {
			c.Properties = map[string]string{}
		}
		c.Properties[name] = value
	}
	for _, idx := range b.Indices {
		setIndex(c, idx)
	}
	if b.Close {
		c.Closed = true
		closedOn := modified
		c.ClosedOn = &closedOn
	}
}

func setIndex(c *cases.Case, idx casexml.CaseIndex) {
	rel := idx.Relationship
	if rel == "" {
		rel = "child"
	}
	ref := cases.CaseIndexRef{
		Identifier:   idx.Identifier,
		CaseType:     idx.CaseType,
		ReferencedID: idx.CaseID,
		Relationship: rel,
	}
	for i, existing := range c.Indices {
		if existing.Identifier == ref.Identifier {
			c.Indices[i] = ref
			return
		}
	}
	c.Indices = append(c.Indices, ref)
}

func blockTime(b *casexml.CaseBlock) time.Time {
	if b.DateModified.IsZero() {
		return time.Now().UTC()
	}
	return b.DateModified.UTC()
}
