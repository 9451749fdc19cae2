package memory

import (
	"strings"
	"testing"
)

func TestScopeKey(t *testing.T) {
	a := Scope{Machine: "m1", Project: "/p", Category: CategoryInsight}
	b := Scope{Machine: "m1", Project: "/p", Category: CategoryInsight}
	c := Scope{Machine: "m1", Project: "/p", Category: CategoryPlan}

	if a.Key() != b.Key() {
		t.Error("expected equal scopes to share a key")
	}
	if a.Key() == c.Key() {
		t.Error("expected different categories to have different keys")
	}

	// components with overlapping text must not collide
	x := Scope{Machine: "ab", Project: "c", Category: "insight"}
	y := Scope{Machine: "a", Project: "bc", Category: "insight"}
	if x.Key() == y.Key() {
		t.Error("expected scope key to separate components unambiguously")
	}
}

func TestCategoryValid(t *testing.T) {
	for _, c := range Categories() {
		if !c.Valid() {
			t.Errorf("expected %q to be valid", c)
		}
	}
	if Category("gossip").Valid() {
		t.Error("expected unknown category to be invalid")
	}
	if Category("").Valid() {
		t.Error("expected empty category to be invalid")
	}
}

func TestSnippet(t *testing.T) {
	short := &Memory{Content: "  short note  "}
	if got := short.Snippet(200); got != "short note" {
		t.Errorf("expected trimmed content, got %q", got)
	}

	long := &Memory{Content: strings.Repeat("é", 300)}
	got := long.Snippet(200)
	if len([]rune(got)) != 203 {
		t.Errorf("expected 200 runes plus ellipsis, got %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("expected truncated snippet to end with ellipsis")
	}
}

func TestContentHash(t *testing.T) {
	if ContentHash("a") != ContentHash("a") {
		t.Error("expected stable hash")
	}
	if ContentHash("a") == ContentHash("b") {
		t.Error("expected different content to hash differently")
	}
	if len(ContentHash("a")) != 64 {
		t.Errorf("expected sha256 hex digest, got length %d", len(ContentHash("a")))
	}
}
