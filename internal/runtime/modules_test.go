package runtime

import (
	"errors"
	"fmt"
	"testing"

	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
)

func loaderFor(topics ...string) ModuleLoader {
	return func(b *RegistryBuilder) error {
		for _, topic := range topics {
			if err := b.Add(HandlerEntry{Kind: KindQueue, Key: topic, Handler: noopHandler}); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestModuleSetRegister(t *testing.T) {
	s := NewModuleSet()

	if err := s.Register(ModuleRecord{Name: "orders", Loader: loaderFor("orders")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("duplicate name", func(t *testing.T) {
		err := s.Register(ModuleRecord{Name: "orders", Loader: loaderFor("x")})
		if !errors.Is(err, errspkg.ErrDuplicateModule) {
			t.Errorf("expected ErrDuplicateModule, got %v", err)
		}
	})

	t.Run("name required", func(t *testing.T) {
		err := s.Register(ModuleRecord{Loader: loaderFor("x")})
		if !errors.Is(err, errspkg.ErrModuleNameRequired) {
			t.Errorf("expected ErrModuleNameRequired, got %v", err)
		}
	})

	t.Run("loader required", func(t *testing.T) {
		err := s.Register(ModuleRecord{Name: "x"})
		if !errors.Is(err, errspkg.ErrModuleLoaderRequired) {
			t.Errorf("expected ErrModuleLoaderRequired, got %v", err)
		}
	})
}

func TestModuleSetRemoveProtected(t *testing.T) {
	s := NewModuleSet()
	if err := s.Register(ModuleRecord{Name: "core", Loader: loaderFor("core"), Protected: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Remove("core"); !errors.Is(err, errspkg.ErrProtectedModule) {
		t.Errorf("expected ErrProtectedModule, got %v", err)
	}
	if !s.Has("core") {
		t.Error("protected module must survive Remove")
	}

	t.Run("removing unknown module is a no-op", func(t *testing.T) {
		if err := s.Remove("nope"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestModuleSetReplace(t *testing.T) {
	s := NewModuleSet()
	if err := s.Register(ModuleRecord{Name: "orders", Loader: loaderFor("orders")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Register(ModuleRecord{Name: "billing", Loader: loaderFor("billing")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Replace(ModuleRecord{Name: "orders", Loader: loaderFor("orders-v2")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reg, err := s.BuildRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if reg.Lookup(KindQueue, "orders-v2") == nil {
		t.Error("expected replaced loader's handler")
	}
	if reg.Lookup(KindQueue, "orders") != nil {
		t.Error("old loader's handler should be gone")
	}

	names := s.Names()
	if fmt.Sprint(names) != fmt.Sprint([]string{"orders", "billing"}) {
		t.Errorf("replace must keep load order, got %v", names)
	}
}

func TestBuildRegistryReportsFailingModule(t *testing.T) {
	s := NewModuleSet()
	if err := s.Register(ModuleRecord{Name: "good", Loader: loaderFor("good")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	boom := errors.New("syntax error")
	if err := s.Register(ModuleRecord{Name: "broken", Loader: func(b *RegistryBuilder) error { return boom }}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := s.BuildRegistry()
	var reloadErr *errspkg.ReloadError
	if !errors.As(err, &reloadErr) {
		t.Fatalf("expected ReloadError, got %v", err)
	}
	if reloadErr.Module != "broken" {
		t.Errorf("expected failing module name, got %q", reloadErr.Module)
	}
	if !errors.Is(err, boom) {
		t.Error("expected the loader error to be wrapped")
	}
}

func TestBuildRegistryRunsInOrder(t *testing.T) {
	s := NewModuleSet()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		if err := s.Register(ModuleRecord{Name: name, Loader: func(b *RegistryBuilder) error {
			order = append(order, name)
			return nil
		}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if _, err := s.BuildRegistry(); err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if fmt.Sprint(order) != fmt.Sprint([]string{"a", "b", "c"}) {
		t.Errorf("expected registration order, got %v", order)
	}
}
