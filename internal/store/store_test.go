package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func openTempSQLite(t *testing.T, path string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close sqlite store: %v", err)
		}
	})
	return s
}

func openTempRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := OpenRedis(context.Background(), mr.Addr(), 0, "test:")
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestStores(t *testing.T) {
	cases := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{"memory", func(*testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store { return openTempSQLite(t, filepath.Join(t.TempDir(), "agent.db")) }},
		{"redis", func(t *testing.T) Store { return openTempRedis(t) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t)

			if _, found, err := s.Get(ctx, "missing"); err != nil || found {
				t.Fatalf("get missing = found %v, err %v; want not found", found, err)
			}

			if err := s.Put(ctx, "k", []byte("v1")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, found, err := s.Get(ctx, "k")
			if err != nil || !found || string(got) != "v1" {
				t.Fatalf("get = %q, %v, %v; want v1", got, found, err)
			}

			err = s.Update(ctx, "k", func(cur []byte, found bool) ([]byte, error) {
				if !found {
					t.Fatal("update saw missing key")
				}
				return append(cur, '+'), nil
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			got, _, _ = s.Get(ctx, "k")
			if string(got) != "v1+" {
				t.Fatalf("after update = %q, want v1+", got)
			}

			err = s.Update(ctx, "fresh", func(cur []byte, found bool) ([]byte, error) {
				if found {
					t.Fatal("update saw fresh key as existing")
				}
				return []byte("new"), nil
			})
			if err != nil {
				t.Fatalf("update fresh: %v", err)
			}

			boom := errors.New("boom")
			err = s.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return nil, boom })
			if !errors.Is(err, boom) {
				t.Fatalf("update err = %v, want boom", err)
			}
			got, _, _ = s.Get(ctx, "k")
			if string(got) != "v1+" {
				t.Fatalf("failed update changed value to %q", got)
			}
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	first, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Put(ctx, "queue", []byte("snapshot")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openTempSQLite(t, path)
	got, found, err := second.Get(ctx, "queue")
	if err != nil || !found || string(got) != "snapshot" {
		t.Fatalf("get after reopen = %q, %v, %v", got, found, err)
	}
}

func TestSQLite_ConcurrentUpdatesFromTwoHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	a := openTempSQLite(t, path)
	b := openTempSQLite(t, path)
	ctx := context.Background()

	incr := func(cur []byte, found bool) ([]byte, error) {
		n := 0
		if found {
			n, _ = strconv.Atoi(string(cur))
		}
		return []byte(strconv.Itoa(n + 1)), nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		for _, s := range []*SQLite{a, b} {
			wg.Add(1)
			go func(s *SQLite) {
				defer wg.Done()
				errs <- s.Update(ctx, "counter", incr)
			}(s)
		}
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("update: %v", err)
		}
	}
	got, _, err := a.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != strconv.Itoa(ok) {
		t.Fatalf("counter = %s, want %d (one per successful update)", got, ok)
	}
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestNilStoresAreNotConfigured(t *testing.T) {
	ctx := context.Background()
	var s *SQLite
	if err := s.Put(ctx, "k", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("sqlite put err = %v", err)
	}
	var r *Redis
	if _, _, err := r.Get(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("redis get err = %v", err)
	}
}
