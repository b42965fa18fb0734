package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/eniac111/faultops/internal/types"
	"gopkg.in/yaml.v3"
)

// Plan describes a list of faults injected one after another against the
// configured machines.
type Plan struct {
	Faults []PlanFault `yaml:"faults"`
}

// PlanFault is a single plan entry.
type PlanFault struct {
	Name               string `yaml:"name"`
	types.FaultRequest `yaml:",inline"`
}

func loadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(p.Faults) == 0 {
		return nil, fmt.Errorf("plan %s lists no faults", path)
	}
	for i := range p.Faults {
		f := &p.Faults[i]
		cat, err := types.ParseCategory(string(f.Category))
		if err != nil {
			return nil, fmt.Errorf("plan entry %d: %w", i, err)
		}
		f.Category = cat
		if f.Name == "" {
			f.Name = slugify(fmt.Sprintf("%d-%s-%s", i, cat, f.Subtype))
		}
	}
	return &p, nil
}

func slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	prevDash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			prevDash = false
		} else if !prevDash {
			b.WriteRune('-')
			prevDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
