package profile_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/profile"
	"github.com/bdobrica/Hibiki/internal/hibiki/store"
)

const sample = `
persona:
  name: Aiko
  language: es
  systemPrompt: "  Eres Aiko.  "
defaultPlan: basic
plans:
  basic:
    limits:
      messagesPerDay: 5
  pro:
    displayName: Pro
    price: "$9"
    order: 1
    limits:
      messagesPerDay: -1
subscribers:
  "!vip:example.org":
    plan: pro
    locale: pt
upgradeURL: https://example.org/upgrade
locales:
  es:
    resumed: "¡Aquí estoy!"
`

func TestParse_Valid(t *testing.T) {
	p, err := profile.Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.SystemPrompt() != "Eres Aiko." {
		t.Errorf("SystemPrompt = %q", p.SystemPrompt())
	}
	if len(p.Hash()) != 64 {
		t.Errorf("Hash = %q, want 64 hex chars", p.Hash())
	}

	basic, ok := p.Plan("basic")
	if !ok {
		t.Fatal("plan basic missing")
	}
	if basic.DisplayName != "basic" {
		t.Errorf("DisplayName default = %q", basic.DisplayName)
	}
	if basic.Limit(guard.FeatureMessages) != 5 {
		t.Errorf("messagesPerDay = %d", basic.Limit(guard.FeatureMessages))
	}
	if basic.Limit(guard.FeatureStorageGB) != guard.Unlimited {
		t.Errorf("unset feature should be unlimited")
	}

	list := p.PlanList()
	if len(list) != 2 || list[0].Name != "basic" || list[1].Name != "pro" {
		t.Errorf("PlanList order = %+v", list)
	}
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing plans", "defaultPlan: free\n"},
		{"unknown top-level key", sample + "extra: 1\n"},
		{"limit below -1", "defaultPlan: a\nplans:\n  a:\n    limits:\n      messagesPerDay: -2\n"},
		{"unknown feature", "defaultPlan: a\nplans:\n  a:\n    limits:\n      teleports: 1\n"},
		{"non-integer limit", "defaultPlan: a\nplans:\n  a:\n    limits:\n      messagesPerDay: lots\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := profile.Parse([]byte(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParse_CrossReferences(t *testing.T) {
	_, err := profile.Parse([]byte("defaultPlan: gold\nplans:\n  free: {}\n"))
	if err == nil || !strings.Contains(err.Error(), "defaultPlan") {
		t.Errorf("undefined default plan: %v", err)
	}

	doc := "defaultPlan: free\nplans:\n  free: {}\nsubscribers:\n  \"!a\":\n    plan: gold\n"
	_, err = profile.Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "unknown plan") {
		t.Errorf("undefined subscriber plan: %v", err)
	}
}

func TestDefaultAndLoad(t *testing.T) {
	d := profile.Default()
	if _, ok := d.Plan(d.DefaultPlan); !ok {
		t.Fatal("built-in default plan missing")
	}

	p, err := profile.Load("")
	if err != nil || p.Hash() != d.Hash() {
		t.Fatalf("Load(\"\") = %v, %v", p, err)
	}

	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = profile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.DefaultPlan != "basic" {
		t.Errorf("DefaultPlan = %q", p.DefaultPlan)
	}

	if _, err := profile.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestResolver_Precedence(t *testing.T) {
	p, err := profile.Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	db, err := store.New(filepath.Join(t.TempDir(), "hibiki.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	r := profile.NewResolver(p, db, "")

	plan, err := r.PlanFor(ctx, "!someone:example.org")
	if err != nil || plan.Name != "basic" {
		t.Errorf("default plan = %q, %v", plan.Name, err)
	}
	if got := r.LocaleFor(ctx, "!someone:example.org"); got != "es" {
		t.Errorf("default locale = %q, want persona language", got)
	}

	plan, _ = r.PlanFor(ctx, "!vip:example.org")
	if plan.Name != "pro" {
		t.Errorf("profile subscriber plan = %q", plan.Name)
	}
	if got := r.LocaleFor(ctx, "!vip:example.org"); got != "pt" {
		t.Errorf("profile subscriber locale = %q", got)
	}

	if err := db.SetSubscriber(ctx, store.Subscriber{ID: "!vip:example.org", Plan: "basic", Locale: "en"}); err != nil {
		t.Fatalf("SetSubscriber: %v", err)
	}
	plan, _ = r.PlanFor(ctx, "!vip:example.org")
	if plan.Name != "basic" {
		t.Errorf("database record should win, got %q", plan.Name)
	}
	if got := r.LocaleFor(ctx, "!vip:example.org"); got != "en" {
		t.Errorf("database locale = %q", got)
	}

	// A record naming a plan the profile dropped falls back.
	if err := db.SetSubscriber(ctx, store.Subscriber{ID: "!old:example.org", Plan: "legacy"}); err != nil {
		t.Fatalf("SetSubscriber: %v", err)
	}
	plan, err = r.PlanFor(ctx, "!old:example.org")
	if err != nil || plan.Name != "basic" {
		t.Errorf("stale plan fallback = %q, %v", plan.Name, err)
	}
}
