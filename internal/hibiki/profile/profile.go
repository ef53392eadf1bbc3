// Package profile loads the bot profile: persona, plans, subscriber
// assignments, the upgrade link and locale overrides.
//
// A profile is a YAML document validated against an embedded JSON Schema
// before it is decoded, then checked for cross references the schema cannot
// express (the default plan and every subscriber plan must exist).
package profile

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
)

//go:embed schema.json
var schemaJSON string

//go:embed default.yaml
var defaultYAML []byte

var profileSchema = jsonschema.MustCompileString("profile.schema.json", schemaJSON)

// Profile is a validated bot profile.
type Profile struct {
	Persona     Persona                      `yaml:"persona"`
	DefaultPlan string                       `yaml:"defaultPlan"`
	Plans       map[string]PlanSpec          `yaml:"plans"`
	Subscribers map[string]SubscriberSpec    `yaml:"subscribers"`
	UpgradeURL  string                       `yaml:"upgradeURL"`
	Locales     map[string]map[string]string `yaml:"locales"`

	hash string
}

// Persona shapes how the assistant talks.
type Persona struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"systemPrompt"`
	Language     string `yaml:"language"`
}

// PlanSpec is a plan as written in the profile.
type PlanSpec struct {
	DisplayName string           `yaml:"displayName"`
	Price       string           `yaml:"price"`
	Order       int              `yaml:"order"`
	Limits      map[string]int64 `yaml:"limits"`
}

// SubscriberSpec assigns a plan and locale to one subscriber.
type SubscriberSpec struct {
	Plan   string `yaml:"plan"`
	Locale string `yaml:"locale"`
}

// Parse validates and decodes a profile document.
func Parse(data []byte) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("profile: parse yaml: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	p.hash = hex.EncodeToString(sum[:])
	return &p, nil
}

// Load reads and parses the profile at path. An empty path returns the
// built-in default profile.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the built-in profile.
func Default() *Profile {
	p, err := Parse(defaultYAML)
	if err != nil {
		panic("profile: built-in default is invalid: " + err.Error())
	}
	return p
}

// Hash returns the hex sha256 of the source document.
func (p *Profile) Hash() string { return p.hash }

// SystemPrompt returns the persona prompt with surrounding whitespace
// removed.
func (p *Profile) SystemPrompt() string { return strings.TrimSpace(p.Persona.SystemPrompt) }

// Plan returns the named plan converted for the guard.
func (p *Profile) Plan(name string) (guard.Plan, bool) {
	spec, ok := p.Plans[name]
	if !ok {
		return guard.Plan{}, false
	}
	plan := guard.Plan{
		Name:        name,
		DisplayName: spec.DisplayName,
		Price:       spec.Price,
		Limits:      make(map[guard.Feature]int64, len(spec.Limits)),
	}
	if plan.DisplayName == "" {
		plan.DisplayName = name
	}
	for k, v := range spec.Limits {
		plan.Limits[guard.Feature(k)] = v
	}
	return plan, true
}

// PlanList returns every plan ordered by its order field, then name.
func (p *Profile) PlanList() []guard.Plan {
	names := make([]string, 0, len(p.Plans))
	for name := range p.Plans {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, oj := p.Plans[names[i]].Order, p.Plans[names[j]].Order
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})

	out := make([]guard.Plan, 0, len(names))
	for _, name := range names {
		plan, _ := p.Plan(name)
		out = append(out, plan)
	}
	return out
}

func (p *Profile) validate() error {
	if _, ok := p.Plans[p.DefaultPlan]; !ok {
		return fmt.Errorf("profile: defaultPlan %q is not defined in plans", p.DefaultPlan)
	}
	for id, sub := range p.Subscribers {
		if sub.Plan == "" {
			continue
		}
		if _, ok := p.Plans[sub.Plan]; !ok {
			return fmt.Errorf("profile: subscribers[%q]: unknown plan %q", id, sub.Plan)
		}
	}
	return nil
}

// validateSchema checks a YAML-decoded document against the schema. The
// validator expects JSON-shaped values, so the document takes a trip
// through encoding/json first.
func validateSchema(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("profile: convert to json: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("profile: convert to json: %w", err)
	}
	if err := profileSchema.Validate(v); err != nil {
		return fmt.Errorf("profile: schema: %w", err)
	}
	return nil
}
