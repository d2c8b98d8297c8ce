// Package plan loads and validates the phase plan a run executes.
package plan

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/phasegate/internal/model"
	yamlutil "github.com/msageha/phasegate/internal/yaml"
)

type Defaults struct {
	Timeout     time.Duration     `yaml:"timeout"`
	RetryBudget int               `yaml:"retry_budget"`
	Parallelism model.Parallelism `yaml:"parallelism"`
}

type Plan struct {
	SchemaVersion int           `yaml:"schema_version"`
	FileType      string        `yaml:"file_type"`
	Name          string        `yaml:"name"`
	Defaults      Defaults      `yaml:"defaults"`
	Phases        []model.Phase `yaml:"phases"`
}

// Phase returns a copy of the phase with the given id.
func (p *Plan) Phase(id string) (model.Phase, bool) {
	for _, ph := range p.Phases {
		if ph.ID == id {
			return clonePhase(ph), true
		}
	}
	return model.Phase{}, false
}

func (p *Plan) PhaseIDs() []string {
	ids := make([]string, 0, len(p.Phases))
	for _, ph := range p.Phases {
		ids = append(ids, ph.ID)
	}
	return ids
}

func clonePhase(ph model.Phase) model.Phase {
	out := ph
	out.Prerequisites = append([]string(nil), ph.Prerequisites...)
	out.Items = make([]model.WorkItem, len(ph.Items))
	for i, it := range ph.Items {
		cp := it
		cp.DependsOn = append([]string(nil), it.DependsOn...)
		if it.Input != nil {
			cp.Input = make(map[string]any, len(it.Input))
			for k, v := range it.Input {
				cp.Input[k] = v
			}
		}
		out.Items[i] = cp
	}
	return out
}

func Load(path string) (*Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(content)
}

// Parse decodes, normalises and validates a plan document. Validation
// problems are returned as *ValidationErrors.
func Parse(content []byte) (*Plan, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypePlan); err != nil {
		return nil, fmt.Errorf("plan header: %w", err)
	}
	var p Plan
	if err := yamlv3.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	var shadow budgetShadow
	if err := yamlv3.Unmarshal(content, &shadow); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	normalize(&p, shadow.explicit())
	if verrs := Validate(&p); verrs != nil {
		return nil, verrs
	}
	return &p, nil
}

// budgetShadow tells an explicit retry_budget: 0 apart from an omitted one.
type budgetShadow struct {
	Phases []struct {
		Items []struct {
			ID          string `yaml:"id"`
			RetryBudget *int   `yaml:"retry_budget"`
		} `yaml:"items"`
	} `yaml:"phases"`
}

func (b budgetShadow) explicit() map[string]bool {
	out := make(map[string]bool)
	for _, ph := range b.Phases {
		for _, it := range ph.Items {
			if it.RetryBudget != nil {
				out[it.ID] = true
			}
		}
	}
	return out
}

func normalize(p *Plan, explicitBudget map[string]bool) {
	if p.Defaults.Parallelism == "" {
		p.Defaults.Parallelism = model.ParallelismParallel
	}
	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.Name == "" {
			ph.Name = ph.ID
		}
		if ph.Gate.Type == "" {
			ph.Gate.Type = model.GateAllSucceeded
		}
		ph.Status = model.PhaseStatusPending
		for j := range ph.Items {
			it := &ph.Items[j]
			it.PhaseID = ph.ID
			it.Status = model.WorkItemQueued
			if it.Parallelism == "" {
				it.Parallelism = p.Defaults.Parallelism
			}
			if it.Timeout == 0 {
				it.Timeout = p.Defaults.Timeout
			}
			if it.RetryBudget == 0 && !explicitBudget[it.ID] {
				it.RetryBudget = p.Defaults.RetryBudget
			}
		}
	}
}
