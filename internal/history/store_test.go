package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rflorenc/ragdeploy/internal/models"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, time.Hour),
	}
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Latest(ctx, "rag-webapp"); !errors.Is(err, ErrNoRelease) {
				t.Fatalf("Latest on empty store: err = %v, want ErrNoRelease", err)
			}

			for _, tag := range []string{"v1", "v2", "v3"} {
				err := s.Record(ctx, models.Release{WebApp: "rag-webapp", Tag: tag, Image: "rag-api:" + tag, Kind: models.KindUpdate})
				if err != nil {
					t.Fatalf("Record(%s) returned error: %v", tag, err)
				}
			}
			s.Record(ctx, models.Release{WebApp: "other", Tag: "x1"})

			latest, err := s.Latest(ctx, "rag-webapp")
			if err != nil || latest.Tag != "v3" {
				t.Fatalf("Latest = %v, %v; want v3", latest, err)
			}
			if latest.CreatedAt.IsZero() {
				t.Error("Record should stamp CreatedAt")
			}
			prev, err := s.Previous(ctx, "rag-webapp")
			if err != nil || prev.Tag != "v2" {
				t.Fatalf("Previous = %v, %v; want v2", prev, err)
			}

			list, err := s.List(ctx, "rag-webapp", 2)
			if err != nil {
				t.Fatalf("List returned error: %v", err)
			}
			if len(list) != 2 || list[0].Tag != "v3" || list[1].Tag != "v2" {
				t.Errorf("List(2) = %+v", list)
			}
			all, _ := s.List(ctx, "rag-webapp", 0)
			if len(all) != 3 {
				t.Errorf("List(0) returned %d releases, want 3", len(all))
			}

			if _, err := s.Previous(ctx, "other"); !errors.Is(err, ErrNoRelease) {
				t.Errorf("Previous with one release: err = %v, want ErrNoRelease", err)
			}
		})
	}
}

func TestStore_Cap(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < MaxReleases+5; i++ {
				s.Record(ctx, models.Release{WebApp: "rag-webapp", Tag: fmt.Sprintf("v%d", i)})
			}
			all, err := s.List(ctx, "rag-webapp", 0)
			if err != nil {
				t.Fatalf("List returned error: %v", err)
			}
			if len(all) != MaxReleases {
				t.Errorf("kept %d releases, want %d", len(all), MaxReleases)
			}
			if all[0].Tag != fmt.Sprintf("v%d", MaxReleases+4) {
				t.Errorf("most recent = %s", all[0].Tag)
			}
		})
	}
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, time.Hour)
	if err := s.Record(context.Background(), models.Release{WebApp: "rag-webapp", Tag: "v1"}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if ttl := mr.TTL(key("rag-webapp")); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	if _, ok := Open(context.Background(), "").(*MemoryStore); !ok {
		t.Error("Open(\"\") should return a MemoryStore")
	}

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, ok := Open(context.Background(), addr).(*MemoryStore); !ok {
		t.Error("Open with unreachable Redis should fall back to MemoryStore")
	}
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	if _, ok := Open(context.Background(), mr.Addr()).(*RedisStore); !ok {
		t.Error("Open with reachable Redis should return a RedisStore")
	}
}
