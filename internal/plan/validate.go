package plan

import (
	"fmt"

	"github.com/msageha/phasegate/internal/model"
)

// Validate reports every field problem of p, or nil.
func Validate(p *Plan) *ValidationErrors {
	errs := &ValidationErrors{}

	if p.Name == "" {
		errs.Add("name", "required field is missing")
	}
	if p.Defaults.RetryBudget < 0 {
		errs.Add("defaults.retry_budget", "must be >= 0")
	}
	if len(p.Phases) == 0 {
		errs.Add("phases", "at least one phase is required")
		return errs
	}

	phaseIDs := make([]string, 0, len(p.Phases))
	phaseSet := make(map[string]bool, len(p.Phases))
	prereqs := make(map[string][]string)
	itemOwner := make(map[string]string)

	for i, ph := range p.Phases {
		prefix := fmt.Sprintf("phases[%d]", i)
		if ph.ID == "" {
			errs.Add(prefix+".id", "required field is missing")
		} else if phaseSet[ph.ID] {
			errs.Add(prefix+".id", fmt.Sprintf("duplicate phase id %q", ph.ID))
		} else {
			phaseSet[ph.ID] = true
			phaseIDs = append(phaseIDs, ph.ID)
			prereqs[ph.ID] = ph.Prerequisites
		}
		validateGate(ph, prefix, errs)
		validateItems(ph, prefix, itemOwner, errs)
	}

	for i, ph := range p.Phases {
		for j, dep := range ph.Prerequisites {
			field := fmt.Sprintf("phases[%d].prerequisites[%d]", i, j)
			switch {
			case dep == ph.ID:
				errs.Add(field, "self-reference is not allowed")
			case !phaseSet[dep]:
				errs.Add(field, fmt.Sprintf("references unknown phase %q", dep))
			}
		}
	}

	if !errs.HasErrors() {
		if _, err := ValidatePhaseDAG(phaseIDs, prereqs); err != nil {
			errs.addDAG("phases", err)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateGate(ph model.Phase, prefix string, errs *ValidationErrors) {
	switch ph.Gate.Type {
	case model.GateAllSucceeded:
	case model.GateAtLeast:
		if ph.Gate.MinSucceeded < 1 || ph.Gate.MinSucceeded > len(ph.Items) {
			errs.Add(prefix+".gate.min_succeeded",
				fmt.Sprintf("must be between 1 and %d, got %d", len(ph.Items), ph.Gate.MinSucceeded))
		}
	default:
		errs.Add(prefix+".gate.type", fmt.Sprintf("must be 'all_succeeded' or 'at_least', got %q", ph.Gate.Type))
	}
}

func validateItems(ph model.Phase, prefix string, owner map[string]string, errs *ValidationErrors) {
	if len(ph.Items) == 0 {
		errs.Add(prefix+".items", "at least one work item is required")
		return
	}

	ids := make([]string, 0, len(ph.Items))
	local := make(map[string]bool, len(ph.Items))
	deps := make(map[string][]string)

	for j, it := range ph.Items {
		itemPrefix := fmt.Sprintf("%s.items[%d]", prefix, j)
		if it.ID == "" {
			errs.Add(itemPrefix+".id", "required field is missing")
		} else if other, dup := owner[it.ID]; dup {
			errs.Add(itemPrefix+".id", fmt.Sprintf("duplicate work item id %q (also in phase %q)", it.ID, other))
		} else {
			owner[it.ID] = ph.ID
			local[it.ID] = true
			ids = append(ids, it.ID)
			deps[it.ID] = it.DependsOn
		}
		if it.Kind == "" {
			errs.Add(itemPrefix+".kind", "required field is missing")
		}
		if it.Parallelism != model.ParallelismParallel && it.Parallelism != model.ParallelismExclusive {
			errs.Add(itemPrefix+".parallelism", fmt.Sprintf("must be 'parallel' or 'exclusive', got %q", it.Parallelism))
		}
		if it.RetryBudget < 0 {
			errs.Add(itemPrefix+".retry_budget", "must be >= 0")
		}
		if it.Timeout < 0 {
			errs.Add(itemPrefix+".timeout", "must be >= 0")
		}
	}

	before := len(errs.Errors)
	for j, it := range ph.Items {
		for k, dep := range it.DependsOn {
			field := fmt.Sprintf("%s.items[%d].depends_on[%d]", prefix, j, k)
			switch {
			case dep == it.ID:
				errs.Add(field, "self-reference is not allowed")
			case !local[dep]:
				errs.Add(field, fmt.Sprintf("references unknown work item %q in phase %q", dep, ph.ID))
			}
		}
	}
	if len(errs.Errors) == before {
		if _, err := ValidateTaskDAG(ids, deps); err != nil {
			errs.addDAG(prefix+".items", err)
		}
	}
}
