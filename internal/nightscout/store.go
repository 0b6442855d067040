package nightscout

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// DefaultCacheDuration is how long fetched treatments are reused
const DefaultCacheDuration = 5 * time.Minute

// TreatmentStore serves treatments from Nightscout with a short-lived cache
type TreatmentStore struct {
	client *Client
	now    func() time.Time

	mu            sync.RWMutex
	cached        []models.Treatment
	cacheFrom     time.Time
	cacheTo       time.Time
	cacheTime     time.Time
	cacheDuration time.Duration
}

// NewTreatmentStore creates a store backed by client
func NewTreatmentStore(client *Client) *TreatmentStore {
	return &TreatmentStore{
		client:        client,
		now:           time.Now,
		cacheDuration: DefaultCacheDuration,
	}
}

// EntriesOverlapping returns the treatments in [from, to], oldest first
func (s *TreatmentStore) EntriesOverlapping(ctx context.Context, from, to time.Time) ([]models.Treatment, error) {
	if cached, ok := s.fromCache(from, to); ok {
		return cached, nil
	}

	treatments, err := s.client.GetTreatments(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(treatments, func(i, j int) bool {
		return treatments[i].Time().Before(treatments[j].Time())
	})

	s.mu.Lock()
	s.cached = treatments
	s.cacheFrom = from
	s.cacheTo = to
	s.cacheTime = s.now()
	s.mu.Unlock()

	log.WithField("count", len(treatments)).Debug("Fetched treatments from Nightscout")
	return filterTreatments(treatments, from, to), nil
}

// Invalidate drops the cache, for example after uploading a treatment
func (s *TreatmentStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheTime = time.Time{}
}

func (s *TreatmentStore) fromCache(from, to time.Time) ([]models.Treatment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cacheTime.IsZero() || s.now().Sub(s.cacheTime) > s.cacheDuration {
		return nil, false
	}
	if from.Before(s.cacheFrom) || to.After(s.cacheTo) {
		return nil, false
	}
	return filterTreatments(s.cached, from, to), true
}

func filterTreatments(sorted []models.Treatment, from, to time.Time) []models.Treatment {
	var out []models.Treatment
	for _, t := range sorted {
		at := t.Time()
		if at.Before(from) || at.After(to) {
			continue
		}
		out = append(out, t)
	}
	return out
}
