package classify

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/phasegate/internal/model"
	yamlutil "github.com/msageha/phasegate/internal/yaml"
	"github.com/msageha/phasegate/templates"
)

type compiledRule struct {
	Rule
	match matcher
}

// Classifier is immutable once built and safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

// New compiles rules. Higher Priority is evaluated first; equal
// priorities keep declaration order.
func New(rules []Rule) (*Classifier, error) {
	var problems []string
	seen := make(map[string]bool, len(rules))
	compiled := make([]compiledRule, 0, len(rules))

	for i, r := range rules {
		path := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			problems = append(problems, path+".id: required field is missing")
		} else if seen[r.ID] {
			problems = append(problems, fmt.Sprintf("%s.id: duplicate rule id %q", path, r.ID))
		}
		seen[r.ID] = true

		if !r.Urgency.Valid() {
			problems = append(problems, fmt.Sprintf("%s.urgency: invalid urgency %q", path, r.Urgency))
		}
		if r.Route == "" {
			r.Route = defaultRoute(r.Urgency)
		}
		switch r.Route {
		case RouteDecision, RouteNone:
		case RoutePhase:
			if r.PhaseID == "" {
				problems = append(problems, path+".phase: required when route is phase")
			}
		default:
			problems = append(problems, fmt.Sprintf("%s.route: must be decision, phase or none, got %q", path, r.Route))
		}
		if r.Category == "" {
			r.Category = DefaultCategory
		}

		m, err := compileCondition(r.When, path+".when")
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		compiled = append(compiled, compiledRule{Rule: r, match: m})
	}
	if len(problems) > 0 {
		return nil, &model.ConfigurationError{Reason: "invalid classifier rules: " + strings.Join(problems, "; ")}
	}

	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority > compiled[j].Priority })
	return &Classifier{rules: compiled}, nil
}

func defaultRoute(u model.Urgency) Route {
	if u == model.UrgencyCritical {
		return RouteDecision
	}
	return RouteNone
}

// Classify returns the first matching rule's label, or Normal/general.
func (c *Classifier) Classify(ev model.Event) Classification {
	view := &eventView{ev: &ev}
	for _, r := range c.rules {
		if r.match(view) {
			return Classification{
				Urgency:  r.Urgency,
				Category: r.Category,
				RuleID:   r.ID,
				Route:    r.Route,
				PhaseID:  r.PhaseID,
				Options:  append([]model.DecisionOption(nil), r.Options...),
			}
		}
	}
	return Classification{Urgency: model.UrgencyNormal, Category: DefaultCategory, Route: RouteNone}
}

func (c *Classifier) Rules() []Rule {
	out := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r.Rule)
	}
	return out
}

func ParseRules(content []byte) ([]Rule, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeRules); err != nil {
		return nil, &model.ConfigurationError{Reason: "rules header: " + err.Error()}
	}
	var rs RuleSet
	if err := yamlv3.Unmarshal(content, &rs); err != nil {
		return nil, &model.ConfigurationError{Reason: "parse rules: " + err.Error()}
	}
	return rs.Rules, nil
}

func LoadRules(path string) ([]Rule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(content)
}

// DefaultRules returns the built-in ruleset.
func DefaultRules() []Rule {
	rules, err := ParseRules(templates.Rules())
	if err != nil {
		panic(fmt.Sprintf("classify: built-in rules are invalid: %v", err))
	}
	return rules
}

// Load builds a classifier from path, or from the built-in rules when the
// file does not exist.
func Load(path string) (*Classifier, error) {
	if path == "" {
		return New(DefaultRules())
	}
	rules, err := LoadRules(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(DefaultRules())
	}
	if err != nil {
		return nil, err
	}
	return New(rules)
}
