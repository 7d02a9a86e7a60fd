package runtime

import (
	"context"
	"errors"
	"testing"

	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
)

func noopHandler(ctx context.Context, inv *Invocation) (*Result, error) {
	return nil, nil
}

func TestRegistryBuilderAdd(t *testing.T) {
	b := NewRegistryBuilder()

	err := b.Add(HandlerEntry{Kind: KindQueue, Key: "orders", Handler: noopHandler})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("duplicate key within kind", func(t *testing.T) {
		err := b.Add(HandlerEntry{Kind: KindQueue, Key: "orders", Handler: noopHandler})
		if !errors.Is(err, errspkg.ErrDuplicateBindingKey) {
			t.Errorf("expected ErrDuplicateBindingKey, got %v", err)
		}
	})

	t.Run("same key on other kind is fine", func(t *testing.T) {
		err := b.Add(HandlerEntry{Kind: KindHTTP, Key: "orders", Handler: noopHandler})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("handler required", func(t *testing.T) {
		err := b.Add(HandlerEntry{Kind: KindQueue, Key: "x"})
		if !errors.Is(err, errspkg.ErrHandlerRequired) {
			t.Errorf("expected ErrHandlerRequired, got %v", err)
		}
	})

	t.Run("key required", func(t *testing.T) {
		err := b.Add(HandlerEntry{Kind: KindQueue, Handler: noopHandler})
		if !errors.Is(err, errspkg.ErrBindingKeyRequired) {
			t.Errorf("expected ErrBindingKeyRequired, got %v", err)
		}
	})
}

func TestRegistryLookup(t *testing.T) {
	b := NewRegistryBuilder()
	if err := b.Add(HandlerEntry{Kind: KindQueue, Key: "orders", Name: "orders-handler", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg := b.Build()

	if entry := reg.Lookup(KindQueue, "orders"); entry == nil || entry.Name != "orders-handler" {
		t.Errorf("expected orders-handler entry, got %+v", entry)
	}
	if entry := reg.Lookup(KindQueue, "missing"); entry != nil {
		t.Errorf("expected nil for unknown key, got %+v", entry)
	}
	if entry := reg.Lookup(KindHTTP, "orders"); entry != nil {
		t.Errorf("expected nil for wrong kind, got %+v", entry)
	}
	if reg.Len() != 1 {
		t.Errorf("expected len 1, got %d", reg.Len())
	}
}

func TestRegistryNilSafety(t *testing.T) {
	var reg *Registry
	if reg.Lookup(KindQueue, "x") != nil {
		t.Error("nil registry lookup should return nil")
	}
	if reg.Len() != 0 {
		t.Error("nil registry len should be zero")
	}
	if entries := reg.Entries(KindQueue); entries != nil {
		t.Errorf("nil registry entries should be nil, got %v", entries)
	}
}

func TestRegistryDefaultName(t *testing.T) {
	b := NewRegistryBuilder()
	if err := b.Add(HandlerEntry{Kind: KindQueue, Key: "orders", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry := b.Build().Lookup(KindQueue, "orders")
	if entry.Name != "queue:orders" {
		t.Errorf("expected default name queue:orders, got %q", entry.Name)
	}
}

func TestHTTPBindingKey(t *testing.T) {
	if got := HTTPBindingKey("GET", "/users/{id}"); got != "GET /users/{id}" {
		t.Errorf("unexpected binding key %q", got)
	}
}

func TestBuildIsolatesBuilder(t *testing.T) {
	b := NewRegistryBuilder()
	if err := b.Add(HandlerEntry{Kind: KindQueue, Key: "a", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg := b.Build()

	if err := b.Add(HandlerEntry{Kind: KindQueue, Key: "b", Handler: noopHandler}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("built registry should not see later additions, len %d", reg.Len())
	}
}
