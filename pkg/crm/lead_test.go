package crm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/nobletooth/tiercache/pkg/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func budget(amount int64) *decimal.Decimal {
	d := decimal.NewFromInt(amount)
	return &d
}

func sampleLeads() []Lead {
	return []Lead{
		{ID: uuid.New(), FirstName: "John", Source: SourceWebsite, Status: StatusNew, Budget: budget(500_000)},
		{ID: uuid.New(), FirstName: "Sarah", Source: SourceReferral, Status: StatusContacted},
		{ID: uuid.New(), FirstName: "Michael", Source: SourceSocial, Status: StatusQualified},
		{ID: uuid.New(), FirstName: "Emily", Source: SourceAdvertisement, Status: StatusConverted},
	}
}

func newTestRepository(t *testing.T, seed []Lead, opts ...RepositoryOption) (*LeadRepository, *cache.RequestCache) {
	t.Helper()
	requestCache := cache.NewRequestCache(context.Background(), cache.Config{Name: t.Name(), MaxSize: 50})
	t.Cleanup(requestCache.Close)
	return NewLeadRepository(requestCache, seed, opts...), requestCache
}

func TestScore(t *testing.T) {
	for _, testCase := range []struct {
		name     string
		lead     Lead
		expected int
	}{
		{name: "bare", lead: Lead{}, expected: 50},
		{name: "budget_at_ceiling", lead: Lead{Budget: budget(300_000)}, expected: 50},
		{name: "high_budget", lead: Lead{Budget: budget(300_001)}, expected: 70},
		{name: "referral", lead: Lead{Source: SourceReferral}, expected: 65},
		{name: "website", lead: Lead{Source: SourceWebsite}, expected: 60},
		{name: "social", lead: Lead{Source: SourceSocial}, expected: 50},
		{name: "contacts", lead: Lead{Phone: "555-0101", Email: "a@b.c"}, expected: 65},
		{name: "capped", lead: Lead{
			Budget: budget(1_000_000), Source: SourceReferral, Phone: "555-0101", Email: "a@b.c",
		}, expected: 100},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, Score(testCase.lead))
		})
	}
}

func TestLeadRepository_ListIsMemoized(t *testing.T) {
	ctx := context.Background()
	repo, requestCache := newTestRepository(t, sampleLeads())

	leads, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, leads, 4)

	// A write that bypasses the repository isn't visible until the cache entry goes away.
	repo.mux.Lock()
	repo.leads = repo.leads[1:]
	repo.mux.Unlock()
	leads, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, leads, 4)

	requestCache.Invalidate(allLeadsKey)
	leads, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, leads, 3)
}

func TestLeadRepository_MutationsInvalidateLeadQueries(t *testing.T) {
	ctx := context.Background()
	repo, requestCache := newTestRepository(t, sampleLeads())
	requestCache.Set("deals_all", []string{"d1"})

	_, err := repo.List(ctx)
	require.NoError(t, err)
	_, err = repo.ByStatus(ctx, StatusNew)
	require.NoError(t, err)
	_, err = repo.Stats(ctx)
	require.NoError(t, err)
	for _, key := range []string{"leads_all", "leads_status_new", "leads_stats"} {
		assert.True(t, requestCache.Has(key), key)
	}

	created, err := repo.Create(ctx, Lead{FirstName: "Nora", Email: "nora@crm.com"})
	require.NoError(t, err)
	for _, key := range []string{"leads_all", "leads_status_new", "leads_stats"} {
		assert.False(t, requestCache.Has(key), key)
	}
	assert.True(t, requestCache.Has("deals_all"), "Other queries stay cached")

	newLeads, err := repo.ByStatus(ctx, StatusNew)
	require.NoError(t, err)
	require.Len(t, newLeads, 2)
	assert.Equal(t, created.ID, newLeads[0].ID, "Newest lead comes first")

	_, err = repo.Update(ctx, created.ID, func(lead *Lead) { lead.Status = StatusContacted })
	require.NoError(t, err)
	assert.False(t, requestCache.Has("leads_status_new"))
	newLeads, err = repo.ByStatus(ctx, StatusNew)
	require.NoError(t, err)
	assert.Len(t, newLeads, 1)

	require.NoError(t, repo.Delete(ctx, created.ID))
	leads, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, leads, 4)
}

func TestLeadRepository_Create(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewManualClock(epoch)
	repo, _ := newTestRepository(t, nil, WithClock(clock))

	created, err := repo.Create(ctx, Lead{
		FirstName: "Nora", Phone: "555-0199", Budget: budget(450_000), Status: StatusConverted,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	expected := Lead{
		ID: created.ID, FirstName: "Nora", Phone: "555-0199", Budget: budget(450_000),
		Source: SourceWebsite, Status: StatusNew, Type: TypeBuyer,
		CreatedAt: epoch, UpdatedAt: epoch, Score: 90,
	}
	if diff := cmp.Diff(expected, created); diff != "" {
		t.Errorf("Create() mismatch (-want +got):\n%s", diff)
	}

	got, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(created, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestLeadRepository_UpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	clock := utils.NewManualClock(epoch)
	repo, _ := newTestRepository(t, nil, WithClock(clock))
	created, err := repo.Create(ctx, Lead{FirstName: "Nora"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	updated, err := repo.Update(ctx, created.ID, func(lead *Lead) {
		lead.ID = uuid.New()
		lead.CreatedAt = time.Time{}
		lead.Notes = "Pre-approved for mortgage."
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, epoch, updated.CreatedAt)
	assert.Equal(t, epoch.Add(time.Hour), updated.UpdatedAt)
	assert.Equal(t, "Pre-approved for mortgage.", updated.Notes)

	converted, err := repo.Convert(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConverted, converted.Status)
	assert.NotEmpty(t, converted.ConvertedToDealID)
}

func TestLeadRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, sampleLeads())
	missing := uuid.New()

	_, err := repo.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrLeadNotFound)
	_, err = repo.Update(ctx, missing, func(*Lead) {})
	assert.ErrorIs(t, err, ErrLeadNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, missing), ErrLeadNotFound)
}

func TestLeadRepository_Stats(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, sampleLeads())
	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.New)
	assert.Equal(t, 1, stats.Contacted)
	assert.Equal(t, 1, stats.Qualified)
	assert.Equal(t, 1, stats.Converted)
	assert.Equal(t, "25", stats.ConversionRate.String())

	empty, _ := newTestRepository(t, nil)
	stats, err = empty.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.True(t, stats.ConversionRate.IsZero(), "No leads means no conversions")

	three := sampleLeads()[1:]
	repo, _ = newTestRepository(t, three)
	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "33.3", stats.ConversionRate.String())
}

func TestLeadRepository_ConcurrentListsShareOneQuery(t *testing.T) {
	ctx := context.Background()
	repo, requestCache := newTestRepository(t, sampleLeads(), WithLatency(50*time.Millisecond))

	const callers = 8
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leads, err := repo.List(ctx)
			assert.NoError(t, err)
			assert.Len(t, leads, 4)
		}()
	}
	wg.Wait()

	stats := requestCache.Stats()
	require.Len(t, stats.Entries, 1)
	assert.Equal(t, allLeadsKey, stats.Entries[0].Key)
	assert.False(t, stats.Entries[0].Pending)
}
