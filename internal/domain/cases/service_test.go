package cases

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/casehq/casehq/internal/casexml"
	"github.com/casehq/casehq/internal/platform/deid"
)

// mockGateway records submissions and answers with the parsed envelope so
// tests can assert on what actually went over the wire.
type mockGateway struct {
	requests []*SubmissionRequest
	err      error
}

func (g *mockGateway) Submit(ctx context.Context, req *SubmissionRequest) (*SubmissionResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.requests = append(g.requests, req)
	parsed, err := casexml.ParseEnvelope(req.EnvelopeXML)
	if err != nil {
		return nil, err
	}
	result := &SubmissionResult{FormID: parsed.Meta.InstanceID}
	for _, b := range parsed.Blocks {
		result.Cases = append(result.Cases, &Case{CaseID: b.CaseID, Domain: req.Domain})
	}
	return result, nil
}

func (g *mockGateway) lastEnvelope(t *testing.T) *casexml.ParsedEnvelope {
	t.Helper()
	if len(g.requests) == 0 {
		t.Fatal("no submission was made")
	}
	parsed, err := casexml.ParseEnvelope(g.requests[len(g.requests)-1].EnvelopeXML)
	if err != nil {
		t.Fatalf("gateway received malformed envelope: %v", err)
	}
	return parsed
}

type mockFormRepo struct {
	forms       map[string]*Form
	attachments map[string][]byte
}

func newMockFormRepo() *mockFormRepo {
	return &mockFormRepo{forms: map[string]*Form{}, attachments: map[string][]byte{}}
}

func (m *mockFormRepo) Save(ctx context.Context, f *Form) error {
	m.forms[f.FormID] = f
	return nil
}

func (m *mockFormRepo) Get(ctx context.Context, domain, formID string) (*Form, error) {
	f, ok := m.forms[formID]
	if !ok || f.Domain != domain {
		return nil, ErrNotFound
	}
	return f, nil
}

func (m *mockFormRepo) SaveAttachment(ctx context.Context, domain, formID, name string, data []byte) error {
	m.attachments[formID+"/"+name] = data
	return nil
}

func (m *mockFormRepo) GetAttachment(ctx context.Context, domain, formID, name string) ([]byte, error) {
	data, ok := m.attachments[formID+"/"+name]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func newTestService(t *testing.T, store *mockCaseStore, gw *mockGateway) *Service {
	t.Helper()
	d, err := deid.New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return NewService(store, newMockFormRepo(), gw, NewResolver(store, store), d)
}

func TestService_CreateCaseSubmitsCreateBlock(t *testing.T) {
	gw := &mockGateway{}
	svc := newTestService(t, newMockCaseStore(), gw)

	result, err := svc.CreateCase(context.Background(), "acme",
		"contact", "Jessica", "owner-1", "user-1",
		map[string]string{"age": "25"}, SubmitOptions{Username: "jdoe"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(result.Cases))
	}

	env := gw.lastEnvelope(t)
	if len(env.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(env.Blocks))
	}
	b := env.Blocks[0]
	if !b.Create || b.CaseType != "contact" || b.CaseName != "Jessica" {
		t.Errorf("create block mismatch: %+v", b)
	}
	if b.Update["age"] != "25" {
		t.Errorf("expected age property, got %v", b.Update)
	}
	if len(b.CaseID) != 32 {
		t.Errorf("expected generated 32-char case id, got %q", b.CaseID)
	}
	if gw.requests[0].Domain != "acme" {
		t.Errorf("submission not scoped to domain: %q", gw.requests[0].Domain)
	}
}

func TestService_UpdateCaseClosesOnRequest(t *testing.T) {
	gw := &mockGateway{}
	svc := newTestService(t, newMockCaseStore(), gw)

	_, err := svc.UpdateCase(context.Background(), "acme", "xyz",
		map[string]string{"status": "done"}, true, "", SubmitOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := gw.lastEnvelope(t)
	b := env.Blocks[0]
	if b.CaseID != "xyz" || !b.Close {
		t.Errorf("expected closed update of xyz, got %+v", b)
	}
	if b.Update["status"] != "done" {
		t.Errorf("expected status=done, got %v", b.Update)
	}
	if b.UserID != casexml.SystemUserID {
		t.Errorf("updates must run as the system user, got %q", b.UserID)
	}
}

func TestService_BulkUpdateReportsPerEntry(t *testing.T) {
	gw := &mockGateway{}
	svc := newTestService(t, newMockCaseStore(), gw)

	result, err := svc.BulkUpdateCases(context.Background(), "acme", []CaseChange{
		{CaseID: "abc", Properties: map[string]string{"x": "1"}},
		{CaseID: "", Properties: map[string]string{"x": "2"}}, // invalid
		{CaseID: "xyz", Close: true},
	}, SubmitOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result.Results))
	}
	if !result.Results[0].OK || !result.Results[2].OK {
		t.Errorf("valid entries must succeed: %+v", result.Results)
	}
	if result.Results[1].OK || result.Results[1].Error == "" {
		t.Errorf("invalid entry must carry its error: %+v", result.Results[1])
	}
	if result.FormID == "" {
		t.Error("accepted entries must report their form id")
	}

	// Only the valid entries ride the envelope, in input order.
	env := gw.lastEnvelope(t)
	if len(env.Blocks) != 2 || env.Blocks[0].CaseID != "abc" || env.Blocks[1].CaseID != "xyz" {
		t.Errorf("envelope block mismatch: %+v", env.Blocks)
	}
}

func TestService_BulkUpdateAllInvalidSkipsSubmission(t *testing.T) {
	gw := &mockGateway{}
	svc := newTestService(t, newMockCaseStore(), gw)

	result, err := svc.BulkUpdateCases(context.Background(), "acme",
		[]CaseChange{{CaseID: ""}}, SubmitOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FormID != "" {
		t.Errorf("nothing accepted, form id must be empty: %q", result.FormID)
	}
	if len(gw.requests) != 0 {
		t.Error("no submission should reach the gateway")
	}
}

func TestService_RateLimitErrorPropagates(t *testing.T) {
	gw := &mockGateway{err: ErrRateLimited}
	svc := newTestService(t, newMockCaseStore(), gw)

	_, err := svc.UpdateCase(context.Background(), "acme", "xyz",
		map[string]string{"x": "1"}, false, "", SubmitOptions{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestService_DeidentifyCase(t *testing.T) {
	store := newMockCaseStore()
	store.add(&Case{
		CaseID:     "case-1",
		Domain:     "acme",
		ExternalID: strPtr("ext-9"),
		Properties: map[string]string{"dob": "1990-04-01"},
	})
	svc := newTestService(t, store, &mockGateway{})

	view, err := svc.DeidentifyCase(context.Background(), "acme", "case-1", map[string]string{
		"external_id": deid.TransformIDHash,
		"dob":         deid.TransformDateShift,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Attributes["external_id"] == "" || view.Attributes["external_id"] == "ext-9" {
		t.Errorf("external_id not censored: %v", view.Attributes)
	}
	if view.Properties["dob"] == "" || view.Properties["dob"] == "1990-04-01" {
		t.Errorf("dob not shifted: %v", view.Properties)
	}
}

func TestService_DeidentifyMissingCase(t *testing.T) {
	svc := newTestService(t, newMockCaseStore(), &mockGateway{})
	_, err := svc.DeidentifyCase(context.Background(), "acme", "nope", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
