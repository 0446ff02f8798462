package cases

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a case or form does not exist in the
// caller's domain.
var ErrNotFound = errors.New("cases: not found")

// CaseRepository persists cases. Implementations must scope every
// domain-qualified operation to that domain.
type CaseRepository interface {
	// Get fetches a case by id within a domain.
	Get(ctx context.Context, domain, caseID string) (*Case, error)
	// GetByID fetches a case by primary id with no domain filter. Callers
	// are responsible for verifying the returned case's domain.
	GetByID(ctx context.Context, caseID string) (*Case, error)
	// Save upserts a case.
	Save(ctx context.Context, c *Case) error
	// List pages through a domain's cases ordered by modification time.
	List(ctx context.Context, domain string, limit, offset int) ([]*Case, int, error)
}

// SearchIndex answers exact-match lookups over indexed case fields and
// properties. Results are ordered by the index's native ordering; the
// resolver only consumes the first hit.
type SearchIndex interface {
	SearchExact(ctx context.Context, domain, field, value string) ([]string, error)
}

// FormRepository persists accepted submission envelopes and their
// attachments.
type FormRepository interface {
	Save(ctx context.Context, f *Form) error
	Get(ctx context.Context, domain, formID string) (*Form, error)
	SaveAttachment(ctx context.Context, domain, formID, name string, data []byte) error
	GetAttachment(ctx context.Context, domain, formID, name string) ([]byte, error)
}

// SubmissionRequest carries one rendered envelope into the gateway.
type SubmissionRequest struct {
	Domain      string
	EnvelopeXML []byte
	Attachments map[string][]byte

	// MaxWait controls behavior under rate limiting: negative means fail
	// immediately when no capacity is available, zero means wait up to the
	// gateway default, positive bounds the wait explicitly.
	MaxWait time.Duration
}

// SubmissionResult reports the stored form and the cases it touched, in
// block order.
type SubmissionResult struct {
	FormID string  `json:"form_id"`
	Cases  []*Case `json:"cases"`
}

// SubmissionGateway accepts rendered envelopes for processing. It is the
// single write path for case mutations.
type SubmissionGateway interface {
	Submit(ctx context.Context, req *SubmissionRequest) (*SubmissionResult, error)
}

// ErrRateLimited reports that the gateway could not admit a submission
// within the caller's wait budget. The submission was not processed and
// may be retried.
var ErrRateLimited = errors.New("cases: submission rate limit exceeded")
