package ps

import (
	"testing"

	"kraken-go/internal/router"
)

func TestApplyRouterIgnoresOlderVersion(t *testing.T) {
	s := testServer(t)

	s.ApplyRouter(router.NewRouter(5, []uint64{1, 2}, 4))
	if got := s.routerVersion.Load(); got != 5 {
		t.Fatalf("routerVersion = %d, want 5", got)
	}

	s.ApplyRouter(router.NewRouter(3, []uint64{1, 2, 3}, 4))
	if got := s.routerVersion.Load(); got != 5 {
		t.Fatalf("routerVersion regressed to %d after stale ApplyRouter", got)
	}

	s.ApplyRouter(router.NewRouter(9, []uint64{1, 2, 3}, 4))
	if got := s.routerVersion.Load(); got != 9 {
		t.Fatalf("routerVersion = %d, want 9 after newer ApplyRouter", got)
	}
}

func TestSaveModelUnknownModel(t *testing.T) {
	s := testServer(t)
	if err := s.SaveModel(42); err == nil {
		t.Fatal("SaveModel on unregistered model should fail")
	}
}
