package alloc

import (
	"math/rand"
	"strings"
	"testing"
)

func TestSlugifyNormalizesNames(t *testing.T) {
	cases := map[string]string{
		"My Cool Project":        "my-cool-project",
		"Test_Env 123":           "test-env-123",
		"---Already--kebab---":   "already-kebab",
		"  Leading and Trailing ": "leading-and-trailing",
		"Already-kebab":          "already-kebab",
		"":                       "",
	}
	for input, want := range cases {
		if got := Slugify(input); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNextPortSkipsUsedPorts(t *testing.T) {
	used := map[int]bool{BasePort: true, BasePort + 1: true}
	port, err := NextPort(used, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != BasePort+2 {
		t.Fatalf("expected port %d, got %d", BasePort+2, port)
	}
}

func TestNextPortStartsAtBase(t *testing.T) {
	port, err := NextPort(nil, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != BasePort {
		t.Fatalf("expected base port %d, got %d", BasePort, port)
	}
}

func TestNextPortExhaustion(t *testing.T) {
	used := make(map[int]bool)
	for p := BasePort; p < BasePort+3; p++ {
		used[p] = true
	}
	if _, err := NextPort(used, 3); err != ErrPortsExhausted {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestGenerateNameWithinLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		name := GenerateName(nil, rng)
		if len(name) > MaxDisplayName {
			t.Fatalf("generated name %q exceeds %d characters", name, MaxDisplayName)
		}
		if name == "" {
			t.Fatal("generated name is empty")
		}
	}
}

func TestGenerateNameFallsBackWhenAllTaken(t *testing.T) {
	taken := make(map[string]bool)
	for _, adj := range adjectives {
		for _, noun := range nouns {
			for _, verb := range verbs {
				taken[adj+"-"+noun+"-"+verb] = true
			}
		}
	}
	rng := rand.New(rand.NewSource(1))
	name := GenerateName(taken, rng)
	if !strings.HasPrefix(name, "env-") {
		t.Fatalf("expected id-derived fallback, got %q", name)
	}
	if len(name) > MaxDisplayName {
		t.Fatalf("fallback name %q exceeds %d characters", name, MaxDisplayName)
	}
}
