package cases

import (
	"context"
	"errors"
)

// alternateIdentifierTypes are the indexed fields tried before falling
// back to primary-id lookup, in precedence order.
var alternateIdentifierTypes = []string{"contact_phone_number", ExternalIDField}

// ExternalIDField is the alternate identifier backed by the external_id
// column.
const ExternalIDField = "external_id"

// Resolver finds a case from a single opaque identifier. Alternate
// identifiers are tried first, in order; the raw value is only treated
// as a primary case id when no alternate matches.
type Resolver struct {
	index SearchIndex
	repo  CaseRepository
}

func NewResolver(index SearchIndex, repo CaseRepository) *Resolver {
	return &Resolver{index: index, repo: repo}
}

// Resolve returns the case the identifier refers to within the domain,
// or (nil, nil) when nothing matches. A case found by primary id whose
// domain differs from the caller's is treated as no match: identifiers
// must never leak records across domains.
func (r *Resolver) Resolve(ctx context.Context, domain, identifier string) (*Case, error) {
	if identifier == "" {
		return nil, nil
	}

	for _, field := range alternateIdentifierTypes {
		ids, err := r.index.SearchExact(ctx, domain, field, identifier)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		c, err := r.repo.Get(ctx, domain, ids[0])
		if errors.Is(err, ErrNotFound) {
			// Stale index entry; keep trying the remaining identifier types.
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	c, err := r.repo.GetByID(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Domain != domain {
		return nil, nil
	}
	return c, nil
}
