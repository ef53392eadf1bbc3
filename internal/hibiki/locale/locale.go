// Package locale holds the user-visible strings Hibiki sends and the
// localized aliases of its command tokens.
//
// Catalogs ship embedded as YAML, one file per language. A profile can
// override individual messages per language. Lookups fall back to the
// catalog's default language and finally to the key itself, so a missing
// translation never produces an empty reply.
package locale

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// Message keys.
const (
	KeyApology            = "apology"
	KeyRateLimited        = "rate_limited"
	KeyQuotaExceeded      = "quota_exceeded"
	KeyUnsupportedMedia   = "unsupported_media"
	KeyMediaUnavailable   = "media_unavailable"
	KeyMediaInvalid       = "media_invalid"
	KeyContextCleared     = "context_cleared"
	KeyPausedFor          = "paused_for"
	KeyPausedIndefinitely = "paused_indefinitely"
	KeyResumed            = "resumed"
	KeyNotPaused          = "not_paused"
	KeySummaryEmpty       = "summary_empty"
	KeySummary            = "summary"
	KeyStatus             = "status"
	KeyUsageHeader        = "usage_header"
	KeyUsageLine          = "usage_line"
	KeyUsageUnlimited     = "usage_line_unlimited"
	KeyPlan               = "plan"
	KeyPlanLimit          = "plan_limit"
	KeyUpgradeHeader      = "upgrade_header"
	KeyUpgradeLine        = "upgrade_line"
	KeyUpgradeFooter      = "upgrade_footer"
	KeyUpgradeNone        = "upgrade_none"
	KeyHelp               = "help"
	KeyYes                = "yes"
	KeyNo                 = "no"
	KeyNever              = "never"
	KeyUnlimited          = "unlimited"
	KeyImagePrefix        = "image_prefix"
	KeyImageCaption       = "image_caption"
)

// Args fills {placeholder} markers in a message.
type Args map[string]string

type catalogFile struct {
	Name     string              `yaml:"name"`
	Messages map[string]string   `yaml:"messages"`
	Features map[string]string   `yaml:"features"`
	Commands map[string][]string `yaml:"commands"`
}

// Catalog is an immutable set of language catalogs.
type Catalog struct {
	fallback string
	langs    map[string]*catalogFile
	aliases  map[string]string // lower-case alias -> canonical command
}

// New loads the embedded catalogs, applies overrides (language -> key ->
// message) and uses fallback for lookups in unknown languages.
func New(fallback string, overrides map[string]map[string]string) (*Catalog, error) {
	c := &Catalog{
		fallback: normalize(fallback),
		langs:    make(map[string]*catalogFile),
		aliases:  make(map[string]string),
	}

	files, err := fs.Glob(localeFS, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("locale: list catalogs: %w", err)
	}
	for _, name := range files {
		data, err := localeFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("locale: read %s: %w", name, err)
		}
		var f catalogFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("locale: parse %s: %w", name, err)
		}
		lang := strings.TrimSuffix(path.Base(name), ".yaml")
		c.langs[lang] = &f
	}

	for lang, msgs := range overrides {
		lang = normalize(lang)
		f, ok := c.langs[lang]
		if !ok {
			f = &catalogFile{Name: lang}
			c.langs[lang] = f
		}
		if f.Messages == nil {
			f.Messages = make(map[string]string)
		}
		for k, v := range msgs {
			f.Messages[k] = v
		}
	}

	if _, ok := c.langs[c.fallback]; !ok {
		return nil, fmt.Errorf("locale: no catalog for fallback language %q", fallback)
	}

	// Aliases from every language are accepted regardless of the
	// conversation's language; the first language to claim an alias keeps it.
	for _, lang := range c.Languages() {
		for canonical, words := range c.langs[lang].Commands {
			for _, w := range words {
				w = strings.ToLower(w)
				if _, taken := c.aliases[w]; !taken {
					c.aliases[w] = canonical
				}
			}
			if _, taken := c.aliases[canonical]; !taken {
				c.aliases[canonical] = canonical
			}
		}
	}
	return c, nil
}

// Fallback returns the default language.
func (c *Catalog) Fallback() string { return c.fallback }

// Languages returns the loaded language codes in sorted order.
func (c *Catalog) Languages() []string {
	out := make([]string, 0, len(c.langs))
	for lang := range c.langs {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a catalog exists for lang.
func (c *Catalog) Has(lang string) bool {
	_, ok := c.langs[normalize(lang)]
	return ok
}

// Text returns the message for key in lang with args substituted.
func (c *Catalog) Text(lang, key string, args Args) string {
	msg := c.lookup(lang, func(f *catalogFile) string { return f.Messages[key] })
	if msg == "" {
		msg = key
	}
	return fill(msg, args)
}

// Feature returns the display name of a quota feature.
func (c *Catalog) Feature(lang, feature string) string {
	if s := c.lookup(lang, func(f *catalogFile) string { return f.Features[feature] }); s != "" {
		return s
	}
	return feature
}

// Command maps a word to its canonical command name. The match is
// case-insensitive and spans every language.
func (c *Catalog) Command(word string) (string, bool) {
	canonical, ok := c.aliases[strings.ToLower(word)]
	return canonical, ok
}

// FormatTime renders t in loc the way reset times appear in notices:
// clock time only when t falls on the same day as now, date and time
// otherwise.
func (c *Catalog) FormatTime(t, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	now = now.In(loc)
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04 MST")
	}
	return t.Format("2006-01-02 15:04 MST")
}

func (c *Catalog) lookup(lang string, get func(*catalogFile) string) string {
	lang = normalize(lang)
	if f, ok := c.langs[lang]; ok {
		if s := get(f); s != "" {
			return s
		}
	}
	// "pt-BR" falls back to "pt" before the default language.
	if i := strings.IndexByte(lang, '-'); i > 0 {
		if f, ok := c.langs[lang[:i]]; ok {
			if s := get(f); s != "" {
				return s
			}
		}
	}
	if f, ok := c.langs[c.fallback]; ok {
		return get(f)
	}
	return ""
}

func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	lang = strings.ReplaceAll(lang, "_", "-")
	if lang == "" {
		return "en"
	}
	return lang
}

func fill(msg string, args Args) string {
	if len(args) == 0 {
		return msg
	}
	pairs := make([]string, 0, len(args)*2)
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(msg)
}
