package tiers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/hostplane/pkg/store"
)

// Feature flags granted by tiers
const (
	FeatureCustomAgents    = "custom_agents"
	FeatureAPIAccess       = "api_access"
	FeaturePrioritySupport = "priority_support"
	FeatureAnalytics       = "analytics"
	FeatureSSO             = "sso"
)

// Policy is the entitlement set for one tier
type Policy struct {
	store.Limits    `yaml:",inline"`
	store.Resources `yaml:",inline"`
	Features        store.Features `json:"features" yaml:"features"`
}

// Table maps every tier to its policy
type Table map[store.Tier]Policy

// DefaultTable returns the built-in tier table
func DefaultTable() Table {
	return Table{
		store.TierFree: {
			Limits: store.Limits{
				MaxAgents:         1,
				MaxMessagesPerDay: 100,
				MaxStorageGB:      1,
				MaxPlatforms:      1,
				MaxTeamMembers:    1,
			},
			Resources: store.Resources{MemoryLimitMB: 512, CPUMillicores: 500, DiskLimitGB: 5},
			Features:  features(),
		},
		store.TierStarter: {
			Limits: store.Limits{
				MaxAgents:         3,
				MaxMessagesPerDay: 1000,
				MaxStorageGB:      5,
				MaxPlatforms:      3,
				MaxTeamMembers:    3,
			},
			Resources: store.Resources{MemoryLimitMB: 1024, CPUMillicores: 1000, DiskLimitGB: 10},
			Features:  features(FeatureAPIAccess),
		},
		store.TierProfessional: {
			Limits: store.Limits{
				MaxAgents:         10,
				MaxMessagesPerDay: 10000,
				MaxStorageGB:      50,
				MaxPlatforms:      10,
				MaxTeamMembers:    10,
			},
			Resources: store.Resources{MemoryLimitMB: 4096, CPUMillicores: 2000, DiskLimitGB: 50},
			Features:  features(FeatureCustomAgents, FeatureAPIAccess, FeatureAnalytics, FeaturePrioritySupport),
		},
		store.TierEnterprise: {
			Limits: store.Limits{
				MaxAgents:         store.Unlimited,
				MaxMessagesPerDay: store.Unlimited,
				MaxStorageGB:      500,
				MaxPlatforms:      store.Unlimited,
				MaxTeamMembers:    store.Unlimited,
			},
			Resources: store.Resources{MemoryLimitMB: 16384, CPUMillicores: 8000, DiskLimitGB: 200},
			Features:  features(FeatureCustomAgents, FeatureAPIAccess, FeatureAnalytics, FeaturePrioritySupport, FeatureSSO),
		},
	}
}

func features(enabled ...string) store.Features {
	f := store.Features{
		FeatureCustomAgents:    false,
		FeatureAPIAccess:       false,
		FeaturePrioritySupport: false,
		FeatureAnalytics:       false,
		FeatureSSO:             false,
	}
	for _, name := range enabled {
		f[name] = true
	}
	return f
}

// tableFile is the on-disk shape of a tier policy override
type tableFile struct {
	Tiers map[store.Tier]Policy `yaml:"tiers"`
}

// LoadTable reads a tier table from a YAML file. The file must define
// every tier.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier policy file: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a YAML tier table
func ParseTable(data []byte) (Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tier policy: %w", err)
	}
	table := Table(file.Tiers)
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks that every tier is present and every limit is either
// positive or unlimited.
func (t Table) Validate() error {
	for tier := range t {
		if !tier.Valid() {
			return fmt.Errorf("unknown tier %q in policy", tier)
		}
	}
	for _, tier := range store.Tiers {
		p, ok := t[tier]
		if !ok {
			return fmt.Errorf("tier %q missing from policy", tier)
		}
		limits := map[string]int{
			"max_agents":           p.MaxAgents,
			"max_messages_per_day": p.MaxMessagesPerDay,
			"max_storage_gb":       p.MaxStorageGB,
			"max_platforms":        p.MaxPlatforms,
			"max_team_members":     p.MaxTeamMembers,
		}
		for name, v := range limits {
			if v <= 0 && v != store.Unlimited {
				return fmt.Errorf("tier %q: %s must be positive or %d, got %d", tier, name, store.Unlimited, v)
			}
		}
		resources := map[string]int{
			"memory_limit_mb": p.MemoryLimitMB,
			"cpu_millicores":  p.CPUMillicores,
			"disk_limit_gb":   p.DiskLimitGB,
		}
		for name, v := range resources {
			if v <= 0 {
				return fmt.Errorf("tier %q: %s must be positive, got %d", tier, name, v)
			}
		}
	}
	return nil
}

// Lookup returns the policy for tier
func (t Table) Lookup(tier store.Tier) (Policy, error) {
	p, ok := t[tier]
	if !ok {
		return Policy{}, fmt.Errorf("no policy for tier %q", tier)
	}
	p.Features = p.Features.Clone()
	return p, nil
}

// PriceMap maps billing provider price ids to tiers
type PriceMap map[string]store.Tier

// ParsePriceMap parses "price_a=starter,price_b=professional"
func ParsePriceMap(spec string) (PriceMap, error) {
	m := PriceMap{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		price, tier, ok := strings.Cut(pair, "=")
		price, tier = strings.TrimSpace(price), strings.TrimSpace(tier)
		if !ok || price == "" {
			return nil, fmt.Errorf("invalid price mapping %q", pair)
		}
		if !store.Tier(tier).Valid() {
			return nil, fmt.Errorf("invalid tier %q for price %q", tier, price)
		}
		m[price] = store.Tier(tier)
	}
	return m, nil
}

// TierForPrice returns the tier sold under priceID
func (m PriceMap) TierForPrice(priceID string) (store.Tier, bool) {
	tier, ok := m[priceID]
	return tier, ok
}

// String renders the map in the form ParsePriceMap accepts
func (m PriceMap) String() string {
	pairs := make([]string, 0, len(m))
	for price, tier := range m {
		pairs = append(pairs, price+"="+string(tier))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
