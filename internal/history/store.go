package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rflorenc/ragdeploy/internal/logging"
	"github.com/rflorenc/ragdeploy/internal/models"
)

// MaxReleases is how many releases are kept per web app.
const MaxReleases = 50

// ErrNoRelease is returned when a web app has no recorded release at the requested position.
var ErrNoRelease = errors.New("no release recorded")

// Store records which image tags went live on each web app.
type Store interface {
	Record(ctx context.Context, r models.Release) error
	// Latest returns the most recent release.
	Latest(ctx context.Context, webApp string) (*models.Release, error)
	// Previous returns the release before the most recent one.
	Previous(ctx context.Context, webApp string) (*models.Release, error)
	// List returns up to limit releases, most recent first. limit <= 0 means all.
	List(ctx context.Context, webApp string, limit int) ([]models.Release, error)
}

// Open returns a Redis-backed store when addr is set and reachable, and an
// in-memory store otherwise.
func Open(ctx context.Context, addr string) Store {
	if addr == "" {
		return NewMemoryStore()
	}
	logger := logging.New("history")
	client := redis.NewClient(&redis.Options{
		Addr:                  addr,
		ContextTimeoutEnabled: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("Redis is offline, keeping release history in memory", "addr", addr, "error", err)
		client.Close()
		return NewMemoryStore()
	}
	logger.Info("Release history backed by Redis", "addr", addr)
	return NewRedisStore(client, DefaultTTL)
}

// MemoryStore is an in-memory thread-safe Store.
type MemoryStore struct {
	mu       sync.RWMutex
	releases map[string][]models.Release // most recent first
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{releases: make(map[string][]models.Release)}
}

func (s *MemoryStore) Record(ctx context.Context, r models.Release) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]models.Release{r}, s.releases[r.WebApp]...)
	if len(list) > MaxReleases {
		list = list[:MaxReleases]
	}
	s.releases[r.WebApp] = list
	return nil
}

func (s *MemoryStore) Latest(ctx context.Context, webApp string) (*models.Release, error) {
	return s.at(webApp, 0)
}

func (s *MemoryStore) Previous(ctx context.Context, webApp string) (*models.Release, error) {
	return s.at(webApp, 1)
}

func (s *MemoryStore) at(webApp string, i int) (*models.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.releases[webApp]
	if i >= len(list) {
		return nil, ErrNoRelease
	}
	r := list[i]
	return &r, nil
}

func (s *MemoryStore) List(ctx context.Context, webApp string, limit int) ([]models.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.releases[webApp]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	out := make([]models.Release, len(list))
	copy(out, list)
	return out, nil
}
