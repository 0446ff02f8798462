// Package sandbox generates synthetic case data for demo domains. It can
// seed reproducible household/contact trees and explode existing case
// trees into many structurally identical copies for load testing. All
// writes go through the submission pipeline, never the store directly.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/casehq/casehq/internal/casexml"
	"github.com/casehq/casehq/internal/domain/cases"
)

// SeedConfig controls the volume and shape of generated synthetic cases.
type SeedConfig struct {
	Domain               string `json:"domain"`
	HouseholdCount       int    `json:"household_count"`
	ContactsPerHousehold int    `json:"contacts_per_household"`
	OwnerID              string `json:"owner_id,omitempty"`
	Seed                 int64  `json:"seed"`
}

// DefaultSeedConfig returns a SeedConfig with sensible demo defaults.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		HouseholdCount:       25,
		ContactsPerHousehold: 4,
		OwnerID:              "demo-owner",
	}
}

// SeedResult summarizes the output of a seed operation.
type SeedResult struct {
	Households int           `json:"households"`
	Contacts   int           `json:"contacts"`
	Forms      int           `json:"forms"`
	TotalCases int           `json:"total_cases"`
	Duration   time.Duration `json:"duration"`
}

// Submitter is the slice of the case service the sandbox needs.
type Submitter interface {
	SubmitBlocks(ctx context.Context, blocks []*casexml.CaseBlock, opts cases.SubmitOptions) (*cases.SubmissionResult, error)
}

var (
	firstNames = []string{
		"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
		"Linda", "David", "Elizabeth", "William", "Barbara", "Richard",
		"Susan", "Joseph", "Jessica", "Thomas", "Sarah", "Daniel", "Karen",
		"Matthew", "Lisa", "Anthony", "Nancy", "Mark", "Betty", "Steven",
		"Sandra", "Andrew", "Margaret", "Joshua", "Ashley", "Kevin", "Emily",
		"Brian", "Donna", "George", "Michelle", "Timothy", "Carol", "Ronald",
		"Amanda", "Edward", "Melissa", "Jason", "Deborah", "Jeffrey",
		"Stephanie", "Ryan", "Rebecca",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
		"Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore",
		"Jackson", "Martin", "Lee", "Perez", "Thompson", "White", "Harris",
		"Sanchez", "Clark", "Ramirez", "Lewis", "Robinson", "Walker",
		"Young", "Allen", "King", "Wright", "Scott", "Torres", "Nguyen",
		"Hill", "Flores", "Green", "Adams", "Nelson", "Baker", "Hall",
		"Rivera", "Campbell", "Mitchell", "Carter", "Roberts",
	}
	villages = []string{
		"Riverside", "Hilltop", "Lakeview", "Greenfield", "Oakdale",
		"Springvale", "Meadowbrook", "Fairview", "Elmwood", "Clearwater",
	}
	languages = []string{"en", "es", "fr", "hi", "sw"}
)

// DataGenerator produces deterministic synthetic case blocks.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
}

// NewDataGenerator returns a generator seeded for reproducibility. If
// seed is 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

// nextCaseID produces a 32-char hex id in the shape the rest of the
// system uses for case ids.
func (g *DataGenerator) nextCaseID() string {
	g.counter++
	return fmt.Sprintf("%08x%08x%08x%08x",
		g.rng.Uint32(), g.rng.Uint32(), g.rng.Uint32(), uint32(g.counter))
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("+1555%07d", g.rng.Intn(10000000))
}

func (g *DataGenerator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28) // safe for all months
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// GenerateHousehold produces a create block for a household case.
func (g *DataGenerator) GenerateHousehold(ownerID string) *casexml.CaseBlock {
	family := g.pick(lastNames)
	return casexml.NewCreateBlock(
		g.nextCaseID(),
		"household",
		family+" Family",
		ownerID,
		casexml.SystemUserID,
		map[string]string{
			"village":  g.pick(villages),
			"language": g.pick(languages),
		},
	)
}

// GenerateContact produces a create block for a contact case indexed to
// its household.
func (g *DataGenerator) GenerateContact(householdID, ownerID string) *casexml.CaseBlock {
	name := g.pick(firstNames) + " " + g.pick(lastNames)
	block := casexml.NewCreateBlock(
		g.nextCaseID(),
		"contact",
		name,
		ownerID,
		casexml.SystemUserID,
		map[string]string{
			"contact_phone_number": g.randomPhone(),
			"dob":                  g.randomDate(1950, 2015),
		},
	)
	block.Indices = []casexml.CaseIndex{{
		Identifier:   "parent",
		CaseType:     "household",
		CaseID:       householdID,
		Relationship: "child",
	}}
	return block
}

// Seeder orchestrates generation of a complete set of synthetic cases.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	submitter Submitter
}

// NewSeeder creates a Seeder that writes through the given submitter.
func NewSeeder(config SeedConfig, submitter Submitter) *Seeder {
	return &Seeder{
		generator: NewDataGenerator(config.Seed),
		config:    config,
		submitter: submitter,
	}
}

// Generate creates all synthetic cases according to config. Each
// household and its contacts ride one envelope, so a household tree is
// applied atomically.
func (s *Seeder) Generate(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	for i := 0; i < s.config.HouseholdCount; i++ {
		household := s.generator.GenerateHousehold(s.config.OwnerID)
		blocks := []*casexml.CaseBlock{household}
		for j := 0; j < s.config.ContactsPerHousehold; j++ {
			blocks = append(blocks, s.generator.GenerateContact(household.CaseID, s.config.OwnerID))
		}

		_, err := s.submitter.SubmitBlocks(ctx, blocks, cases.SubmitOptions{
			Domain:   s.config.Domain,
			Username: "sandbox",
			UserID:   casexml.SystemUserID,
			XMLNS:    casexml.SystemFormXMLNS,
			FormName: "Sandbox Seed",
		})
		if err != nil {
			return nil, fmt.Errorf("seeding household %d: %w", i+1, err)
		}

		result.Households++
		result.Contacts += s.config.ContactsPerHousehold
		result.Forms++
	}

	result.TotalCases = result.Households + result.Contacts
	result.Duration = time.Since(start)
	return result, nil
}

// ExplodeResult summarizes an explode operation.
type ExplodeResult struct {
	SourceCases  int           `json:"source_cases"`
	Copies       int           `json:"copies"`
	CreatedCases int           `json:"created_cases"`
	Forms        int           `json:"forms"`
	Duration     time.Duration `json:"duration"`
}

// explodeChunkSize caps how many create blocks ride one envelope.
const explodeChunkSize = 100

// Exploder duplicates existing case trees. Each copy gets fresh case ids
// with references between copied cases remapped onto the copy; references
// to cases outside the source set keep their original target.
type Exploder struct {
	repo      cases.CaseRepository
	submitter Submitter
}

func NewExploder(repo cases.CaseRepository, submitter Submitter) *Exploder {
	return &Exploder{repo: repo, submitter: submitter}
}

// ExplodeDomain duplicates every open case in the domain copies times.
func (e *Exploder) ExplodeDomain(ctx context.Context, domain string, copies int) (*ExplodeResult, error) {
	var source []*cases.Case
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		page, _, err := e.repo.List(ctx, domain, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("listing cases: %w", err)
		}
		for _, c := range page {
			if !c.Closed {
				source = append(source, c)
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	return e.Explode(ctx, domain, source, copies)
}

// Explode duplicates the given cases copies times. Referenced cases are
// created before the cases that index them, so each envelope chunk is
// self-consistent.
func (e *Exploder) Explode(ctx context.Context, domain string, source []*cases.Case, copies int) (*ExplodeResult, error) {
	start := time.Now()
	if copies < 1 || len(source) == 0 {
		return &ExplodeResult{SourceCases: len(source), Duration: time.Since(start)}, nil
	}

	order, err := cases.TopologicalCaseOrder(source)
	if err != nil {
		return nil, fmt.Errorf("ordering source cases: %w", err)
	}
	byID := make(map[string]*cases.Case, len(source))
	for _, c := range source {
		byID[c.CaseID] = c
	}

	gen := NewDataGenerator(0)
	result := &ExplodeResult{SourceCases: len(source), Copies: copies}

	for copyNum := 0; copyNum < copies; copyNum++ {
		idMap := make(map[string]string, len(order))
		for _, oldID := range order {
			idMap[oldID] = gen.nextCaseID()
		}

		var blocks []*casexml.CaseBlock
		flush := func() error {
			if len(blocks) == 0 {
				return nil
			}
			_, err := e.submitter.SubmitBlocks(ctx, blocks, cases.SubmitOptions{
				Domain:   domain,
				Username: "sandbox",
				UserID:   casexml.SystemUserID,
				XMLNS:    casexml.SystemFormXMLNS,
				FormName: "Sandbox Explode",
			})
			if err != nil {
				return fmt.Errorf("submitting copy %d: %w", copyNum+1, err)
			}
			result.CreatedCases += len(blocks)
			result.Forms++
			blocks = nil
			return nil
		}

		for _, oldID := range order {
			blocks = append(blocks, cloneBlock(byID[oldID], idMap))
			if len(blocks) >= explodeChunkSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
		if err := flush(); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// cloneBlock builds a create block duplicating c under a fresh id.
// external_id is not copied: it must stay unique for lookups.
func cloneBlock(c *cases.Case, idMap map[string]string) *casexml.CaseBlock {
	props := make(map[string]string, len(c.Properties))
	for k, v := range c.Properties {
		props[k] = v
	}
	block := casexml.NewCreateBlock(idMap[c.CaseID], c.Type, c.Name, c.OwnerID, casexml.SystemUserID, props)
	for _, idx := range c.Indices {
		target := idx.ReferencedID
		if mapped, ok := idMap[target]; ok {
			target = mapped
		}
		block.Indices = append(block.Indices, casexml.CaseIndex{
			Identifier:   idx.Identifier,
			CaseType:     idx.CaseType,
			CaseID:       target,
			Relationship: idx.Relationship,
		})
	}
	return block
}

// SeedHandler provides HTTP endpoints for sandbox data management.
// Development environments only; the server does not mount it in
// production.
type SeedHandler struct {
	submitter Submitter
	repo      cases.CaseRepository
	mu        sync.Mutex
}

func NewSeedHandler(submitter Submitter, repo cases.CaseRepository) *SeedHandler {
	return &SeedHandler{submitter: submitter, repo: repo}
}

// RegisterRoutes registers sandbox routes on the given Echo group.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
	g.POST("/explode", h.handleExplode)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if cfg.Domain == "" {
		cfg.Domain, _ = c.Get("domain").(string)
	}
	if cfg.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "domain is required"})
	}

	result, err := NewSeeder(cfg, h.submitter).Generate(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

type explodeRequest struct {
	Domain string `json:"domain"`
	Copies int    `json:"copies"`
}

func (h *SeedHandler) handleExplode(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var req explodeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.Domain == "" {
		req.Domain, _ = c.Get("domain").(string)
	}
	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "domain is required"})
	}
	if req.Copies < 1 {
		req.Copies = 1
	}

	result, err := NewExploder(h.repo, h.submitter).ExplodeDomain(c.Request().Context(), req.Domain, req.Copies)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}
