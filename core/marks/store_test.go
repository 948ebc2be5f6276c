package marks

import (
	"sync"
	"testing"
	"time"
)

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	store.Put("m1", Record{Category: CategoryResponse, SynthesizedText: "hello", Duration: time.Second})

	record, ok := store.Get("m1")
	if !ok {
		t.Fatalf("expected record for m1")
	}
	if record.SynthesizedText != "hello" || record.Duration != time.Second {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestMemoryStoreTakeRemoves(t *testing.T) {
	store := NewMemoryStore()
	store.Put("m1", Record{Category: CategoryResponse})

	if _, ok := store.Take("m1"); !ok {
		t.Fatalf("expected record on first take")
	}
	if _, ok := store.Take("m1"); ok {
		t.Fatalf("expected second take of the same mark to miss")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d records", store.Len())
	}
}

func TestMemoryStoreClear(t *testing.T) {
	store := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		store.Put(id, Record{Category: CategoryResponse})
	}

	store.Clear()

	if store.Len() != 0 {
		t.Fatalf("expected empty store after clear, got %d records", store.Len())
	}
	if _, ok := store.Get("a"); ok {
		t.Fatalf("expected cleared record to be gone")
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			store.Put(id, Record{Category: CategoryResponse})
			store.Take(id)
		}(i)
	}
	wg.Wait()

	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d records", store.Len())
	}
}

func TestCategoryTerminal(t *testing.T) {
	if !CategoryHangup.Terminal() {
		t.Fatalf("expected hangup to be terminal")
	}
	for _, c := range []Category{CategoryResponse, CategoryWelcome, CategoryLivenessCheck, CategoryAmbientNoise} {
		if c.Terminal() {
			t.Fatalf("expected %q not to be terminal", c)
		}
	}
}
