package locale_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hibiki/internal/hibiki/locale"
)

func newCatalog(t *testing.T, overrides map[string]map[string]string) *locale.Catalog {
	t.Helper()
	c, err := locale.New("en", overrides)
	if err != nil {
		t.Fatalf("locale.New: %v", err)
	}
	return c
}

func TestCatalog_EmbeddedLanguages(t *testing.T) {
	c := newCatalog(t, nil)
	for _, lang := range []string{"en", "es", "pt"} {
		if !c.Has(lang) {
			t.Errorf("missing embedded catalog %q", lang)
		}
	}
}

func TestCatalog_TextFillsPlaceholders(t *testing.T) {
	c := newCatalog(t, nil)
	got := c.Text("en", locale.KeyRateLimited, locale.Args{"reset": "12:05 UTC"})
	if !strings.Contains(got, "12:05 UTC") {
		t.Errorf("placeholder not filled: %q", got)
	}
	if strings.Contains(got, "{reset}") {
		t.Errorf("placeholder left in output: %q", got)
	}
}

func TestCatalog_Fallbacks(t *testing.T) {
	c := newCatalog(t, nil)

	en := c.Text("en", locale.KeyResumed, nil)
	if got := c.Text("fr", locale.KeyResumed, nil); got != en {
		t.Errorf("unknown language: got %q, want english %q", got, en)
	}
	pt := c.Text("pt", locale.KeyResumed, nil)
	if got := c.Text("pt-BR", locale.KeyResumed, nil); got != pt {
		t.Errorf("regional variant: got %q, want %q", got, pt)
	}
	if got := c.Text("en", "no_such_key", nil); got != "no_such_key" {
		t.Errorf("missing key: got %q", got)
	}
}

func TestCatalog_Overrides(t *testing.T) {
	c := newCatalog(t, map[string]map[string]string{
		"es": {locale.KeyResumed: "¡Aquí estoy!"},
		"de": {locale.KeyResumed: "Bin wieder da!"},
	})
	if got := c.Text("es", locale.KeyResumed, nil); got != "¡Aquí estoy!" {
		t.Errorf("override not applied: %q", got)
	}
	if got := c.Text("de", locale.KeyResumed, nil); got != "Bin wieder da!" {
		t.Errorf("new language override: %q", got)
	}
	// Keys the override does not name still resolve through the fallback.
	if got := c.Text("de", locale.KeyHelp, nil); got != c.Text("en", locale.KeyHelp, nil) {
		t.Errorf("partial override lost fallback: %q", got)
	}
}

func TestCatalog_CommandAliases(t *testing.T) {
	c := newCatalog(t, nil)
	tests := []struct {
		word string
		want string
		ok   bool
	}{
		{"PAUSE", "pause", true},
		{"pausa", "pause", true},
		{"Reanudar", "resume", true},
		{"retomar", "resume", true},
		{"summarise", "summarize", true},
		{"hello", "", false},
	}
	for _, tt := range tests {
		got, ok := c.Command(tt.word)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Command(%q) = %q, %v; want %q, %v", tt.word, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCatalog_UnknownFallbackLanguage(t *testing.T) {
	if _, err := locale.New("xx", nil); err == nil {
		t.Fatal("expected error for unknown fallback language")
	}
}

func TestCatalog_FormatTime(t *testing.T) {
	c := newCatalog(t, nil)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	if got := c.FormatTime(now.Add(time.Hour), now, time.UTC); got != "11:00 UTC" {
		t.Errorf("same day: %q", got)
	}
	if got := c.FormatTime(now.Add(24*time.Hour), now, time.UTC); got != "2026-06-02 10:00 UTC" {
		t.Errorf("next day: %q", got)
	}
}
