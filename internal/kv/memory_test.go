package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_TTL(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()

	ctx := context.Background()
	key := "test:key"
	val := []byte("hello")

	if err := s.Set(ctx, key, val, 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, hit, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected hit immediately after Set")
	}
	if string(got) != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}

	// Wait for TTL to expire
	time.Sleep(30 * time.Millisecond)

	_, hit, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after TTL failed: %v", err)
	}
	if hit {
		t.Fatalf("expected miss after TTL expiry")
	}
}

func TestMemoryStore_NoExpiry(t *testing.T) {
	s := NewMemoryStore(5 * time.Millisecond)
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	_, hit, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !hit {
		t.Fatalf("expected zero-TTL entry to survive the sweep")
	}
}

func TestMemoryStore_ScanPrefix(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "resv:p1:a", []byte("1"), 0)
	_ = s.Set(ctx, "resv:p1:b", []byte("2"), 0)
	_ = s.Set(ctx, "sess:x", []byte("3"), 0)

	got, err := s.ScanPrefix(ctx, "resv:")
	if err != nil {
		t.Fatalf("ScanPrefix failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if _, ok := got["sess:x"]; ok {
		t.Fatalf("scan leaked a key outside the prefix")
	}
}

func TestMemoryStore_UpdateSerializes(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "counter", 0, func(old []byte) ([]byte, error) {
				if old == nil {
					return []byte{1}, nil
				}
				return []byte{old[0] + 1}, nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, hit, _ := s.Get(ctx, "counter")
	if !hit || int(got[0]) != writers {
		t.Fatalf("expected counter=%d, got %v (hit=%v)", writers, got, hit)
	}
}

func TestMemoryStore_UpdateDeleteAndError(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), 0)

	// fn returning nil deletes the key
	if err := s.Update(ctx, "k", 0, func(old []byte) ([]byte, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, hit, _ := s.Get(ctx, "k"); hit {
		t.Fatalf("expected key deleted by Update")
	}

	// fn error aborts the write
	sentinel := errors.New("nope")
	_ = s.Set(ctx, "k", []byte("v"), 0)
	if err := s.Update(ctx, "k", 0, func(old []byte) ([]byte, error) {
		return []byte("overwritten"), sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	got, _, _ := s.Get(ctx, "k")
	if string(got) != "v" {
		t.Fatalf("aborted Update must not write, got %q", got)
	}
}
