// Leads are prospective buyers and sellers of an organization. The repository keeps them in memory behind a
// simulated backend latency and memoizes its list and stats queries in a request cache; every mutation drops all
// memoized lead queries.

package crm

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/utils"
	"github.com/shopspring/decimal"
)

var (
	leadsMaxAge = flag.Duration("crm_leads_max_age", 2*time.Minute,
		"How long lead list and stats queries are served from the request cache.")
	backendLatency = flag.Duration("crm_backend_latency", 0, "Simulated latency of every lead backend query.")
)

var ErrLeadNotFound = errors.New("lead not found")

// leadQueries matches the cache keys of all memoized lead queries.
var leadQueries = cache.MustRegexp(`^leads_`)

const (
	allLeadsKey       = "leads_all"
	leadsByStatusKey  = "leads_status_"
	leadStatsKey      = "leads_stats"
	highBudgetCeiling = 300_000
)

type LeadSource string

const (
	SourceWebsite       LeadSource = "website"
	SourceReferral      LeadSource = "referral"
	SourceSocial        LeadSource = "social"
	SourceAdvertisement LeadSource = "advertisement"
	SourceWalkIn        LeadSource = "walk-in"
	SourceOther         LeadSource = "other"
)

type LeadStatus string

const (
	StatusNew         LeadStatus = "new"
	StatusContacted   LeadStatus = "contacted"
	StatusQualified   LeadStatus = "qualified"
	StatusUnqualified LeadStatus = "unqualified"
	StatusConverted   LeadStatus = "converted"
)

type LeadType string

const (
	TypeBuyer  LeadType = "buyer"
	TypeSeller LeadType = "seller"
	TypeBoth   LeadType = "both"
)

type Lead struct {
	ID                uuid.UUID        `json:"id"`
	FirstName         string           `json:"firstName"`
	LastName          string           `json:"lastName"`
	Email             string           `json:"email"`
	Phone             string           `json:"phone"`
	Source            LeadSource       `json:"source"`
	Status            LeadStatus       `json:"status"`
	Type              LeadType         `json:"type"`
	Budget            *decimal.Decimal `json:"budget,omitempty"`
	InterestedIn      string           `json:"interestedIn,omitempty"` // Property type or location.
	Notes             string           `json:"notes,omitempty"`
	AssignedTo        string           `json:"assignedTo,omitempty"` // Agent ID.
	OrganizationID    string           `json:"organizationId"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	ConvertedToDealID string           `json:"convertedToDealId,omitempty"`
	LastContactedAt   *time.Time       `json:"lastContactedAt,omitempty"`
	Score             int              `json:"score"` // 0 to 100.
}

// LeadStats counts leads per status. ConversionRate is the converted share in percent, rounded to one decimal.
type LeadStats struct {
	Total          int             `json:"total"`
	New            int             `json:"new"`
	Contacted      int             `json:"contacted"`
	Qualified      int             `json:"qualified"`
	Converted      int             `json:"converted"`
	ConversionRate decimal.Decimal `json:"conversionRate"`
}

// Score rates how promising a lead is.
func Score(lead Lead) int {
	score := 50
	if lead.Budget != nil && lead.Budget.GreaterThan(decimal.NewFromInt(highBudgetCeiling)) {
		score += 20
	}
	switch lead.Source {
	case SourceReferral:
		score += 15
	case SourceWebsite:
		score += 10
	}
	if lead.Phone != "" {
		score += 10
	}
	if lead.Email != "" {
		score += 5
	}
	return min(score, 100)
}

// LeadRepository is the data-access layer of leads.
type LeadRepository struct {
	mux     sync.RWMutex
	leads   []Lead // Newest first.
	cache   *cache.RequestCache
	clock   utils.Clock
	latency time.Duration
	maxAge  time.Duration
}

type RepositoryOption func(*LeadRepository)

func WithClock(clock utils.Clock) RepositoryOption { return func(r *LeadRepository) { r.clock = clock } }

func WithLatency(latency time.Duration) RepositoryOption {
	return func(r *LeadRepository) { r.latency = latency }
}

// NewLeadRepository returns a repository holding `seed`, memoizing its queries in `requestCache`.
func NewLeadRepository(requestCache *cache.RequestCache, seed []Lead, opts ...RepositoryOption) *LeadRepository {
	r := &LeadRepository{
		leads:   slices.Clone(seed),
		cache:   requestCache,
		clock:   utils.SystemClock{},
		latency: *backendLatency,
		maxAge:  *leadsMaxAge,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// query runs `read` over the stored leads after the simulated backend latency.
func query[T any](r *LeadRepository, read func(leads []Lead) T) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		if r.latency > 0 {
			select {
			case <-time.After(r.latency):
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			}
		}
		r.mux.RLock()
		defer r.mux.RUnlock()
		return read(r.leads), nil
	}
}

// List returns all leads, newest first.
func (r *LeadRepository) List(ctx context.Context) ([]Lead, error) {
	leads, err := cache.Fetch(ctx, r.cache, allLeadsKey, query(r, func(leads []Lead) []Lead {
		return slices.Clone(leads)
	}), cache.WithMaxAge(r.maxAge))
	return slices.Clone(leads), err
}

// ByStatus returns the leads in `status`, newest first.
func (r *LeadRepository) ByStatus(ctx context.Context, status LeadStatus) ([]Lead, error) {
	leads, err := cache.Fetch(ctx, r.cache, leadsByStatusKey+string(status), query(r, func(leads []Lead) []Lead {
		matching := make([]Lead, 0)
		for _, lead := range leads {
			if lead.Status == status {
				matching = append(matching, lead)
			}
		}
		return matching
	}), cache.WithMaxAge(r.maxAge))
	return slices.Clone(leads), err
}

func (r *LeadRepository) Stats(ctx context.Context) (LeadStats, error) {
	return cache.Fetch(ctx, r.cache, leadStatsKey, query(r, func(leads []Lead) LeadStats {
		stats := LeadStats{Total: len(leads)}
		for _, lead := range leads {
			switch lead.Status {
			case StatusNew:
				stats.New++
			case StatusContacted:
				stats.Contacted++
			case StatusQualified:
				stats.Qualified++
			case StatusConverted:
				stats.Converted++
			}
		}
		if stats.Total > 0 {
			stats.ConversionRate = decimal.NewFromInt(int64(stats.Converted)).
				Div(decimal.NewFromInt(int64(stats.Total))).Mul(decimal.NewFromInt(100)).Round(1)
		}
		return stats
	}), cache.WithMaxAge(r.maxAge))
}

// Get returns a single lead; it's not memoized.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (Lead, error) {
	leads, err := query(r, func(leads []Lead) []Lead {
		idx := slices.IndexFunc(leads, func(lead Lead) bool { return lead.ID == id })
		if idx < 0 {
			return nil
		}
		return leads[idx : idx+1]
	})(ctx)
	if err != nil {
		return Lead{}, err
	}
	if len(leads) == 0 {
		return Lead{}, fmt.Errorf("%w: %s", ErrLeadNotFound, id)
	}
	return leads[0], nil
}

// Create stores a new lead built from `draft`. The id, status, timestamps and score are assigned here; source and
// type default to website and buyer.
func (r *LeadRepository) Create(_ context.Context, draft Lead) (Lead, error) {
	lead := draft
	lead.ID = uuid.New()
	lead.Status = StatusNew
	lead.Source = cmp.Or(lead.Source, SourceWebsite)
	lead.Type = cmp.Or(lead.Type, TypeBuyer)
	lead.CreatedAt = r.clock.Now()
	lead.UpdatedAt = lead.CreatedAt
	lead.Score = Score(lead)

	r.mux.Lock()
	r.leads = slices.Insert(r.leads, 0, lead)
	r.mux.Unlock()
	r.invalidate()
	return lead, nil
}

// Update applies `mutate` to the lead with `id`. The id and creation time can't be changed.
func (r *LeadRepository) Update(_ context.Context, id uuid.UUID, mutate func(*Lead)) (Lead, error) {
	r.mux.Lock()
	idx := slices.IndexFunc(r.leads, func(lead Lead) bool { return lead.ID == id })
	if idx < 0 {
		r.mux.Unlock()
		return Lead{}, fmt.Errorf("%w: %s", ErrLeadNotFound, id)
	}
	lead := r.leads[idx]
	mutate(&lead)
	lead.ID, lead.CreatedAt = id, r.leads[idx].CreatedAt
	lead.UpdatedAt = r.clock.Now()
	r.leads[idx] = lead
	r.mux.Unlock()

	r.invalidate()
	return lead, nil
}

// Convert marks a lead as converted into a new deal.
func (r *LeadRepository) Convert(ctx context.Context, id uuid.UUID) (Lead, error) {
	return r.Update(ctx, id, func(lead *Lead) {
		lead.Status = StatusConverted
		lead.ConvertedToDealID = uuid.NewString()
	})
}

func (r *LeadRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mux.Lock()
	idx := slices.IndexFunc(r.leads, func(lead Lead) bool { return lead.ID == id })
	if idx >= 0 {
		r.leads = slices.Delete(r.leads, idx, idx+1)
	}
	r.mux.Unlock()
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrLeadNotFound, id)
	}
	r.invalidate()
	return nil
}

func (r *LeadRepository) invalidate() {
	r.cache.InvalidatePattern(leadQueries)
}
