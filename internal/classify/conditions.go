package classify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/msageha/phasegate/internal/model"
)

type matcher func(v *eventView) bool

// eventView caches derived text of one event during a single Classify call.
// Each payload string is normalised separately so a phrase never spans two
// values, which would make matching depend on map iteration order.
type eventView struct {
	ev       *model.Event
	texts    []string
	haveText bool
}

func (v *eventView) payloadTexts() []string {
	if !v.haveText {
		var parts []string
		collectStrings(v.ev.Payload, &parts)
		for _, p := range parts {
			v.texts = append(v.texts, normalize(p))
		}
		v.haveText = true
	}
	return v.texts
}

func (v *eventView) field(path string) (any, bool) {
	if path == "source" {
		return v.ev.Source, v.ev.Source != ""
	}
	return getField(v.ev.Payload, path)
}

func getField(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := data
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		next, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case map[string]any:
		for _, e := range t {
			collectStrings(e, out)
		}
	case []any:
		for _, e := range t {
			collectStrings(e, out)
		}
	}
}

// normalize lower-cases s and collapses every run of non-alphanumerics to
// one space, padded on both ends so word matches are substring checks.
func normalize(s string) string {
	var sb strings.Builder
	sb.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			space = false
			continue
		}
		if !space {
			sb.WriteByte(' ')
			space = true
		}
	}
	if !space {
		sb.WriteByte(' ')
	}
	return sb.String()
}

func containsWord(texts []string, word string) bool {
	for _, t := range texts {
		if strings.Contains(t, word) {
			return true
		}
	}
	return false
}

func compileCondition(c Condition, path string) (matcher, error) {
	switch c.Type {
	case ConditionKeywords:
		if len(c.Keywords) == 0 {
			return nil, fmt.Errorf("%s: keywords must not be empty", path)
		}
		words := make([]string, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			n := normalize(k)
			if strings.TrimSpace(n) == "" {
				return nil, fmt.Errorf("%s: keyword %q has no letters or digits", path, k)
			}
			words = append(words, n)
		}
		all := c.Mode == "all"
		if c.Mode != "" && c.Mode != "any" && c.Mode != "all" {
			return nil, fmt.Errorf("%s: mode must be any or all, got %q", path, c.Mode)
		}
		field := c.Field
		return func(v *eventView) bool {
			var texts []string
			if field != "" {
				val, ok := v.field(field)
				if !ok {
					return false
				}
				texts = []string{normalize(fmt.Sprint(val))}
			} else {
				texts = v.payloadTexts()
			}
			for _, w := range words {
				hit := containsWord(texts, w)
				if hit && !all {
					return true
				}
				if !hit && all {
					return false
				}
			}
			return all
		}, nil

	case ConditionThreshold:
		if c.Field == "" {
			return nil, fmt.Errorf("%s: threshold requires field", path)
		}
		switch c.Operator {
		case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		default:
			return nil, fmt.Errorf("%s: unknown operator %q", path, c.Operator)
		}
		field, op, limit := c.Field, c.Operator, c.Value
		return func(v *eventView) bool {
			val, ok := v.field(field)
			if !ok {
				return false
			}
			n, err := toFloat64(val)
			if err != nil {
				return false
			}
			switch op {
			case OpGT:
				return n > limit
			case OpGTE:
				return n >= limit
			case OpLT:
				return n < limit
			case OpLTE:
				return n <= limit
			default:
				return n == limit
			}
		}, nil

	case ConditionSource:
		if len(c.Values) == 0 {
			return nil, fmt.Errorf("%s: source requires values", path)
		}
		set := make(map[string]bool, len(c.Values))
		for _, s := range c.Values {
			set[strings.ToLower(s)] = true
		}
		return func(v *eventView) bool {
			return set[strings.ToLower(v.ev.Source)]
		}, nil

	case ConditionMatches:
		if c.Field == "" {
			return nil, fmt.Errorf("%s: matches requires field", path)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid regex pattern: %w", path, err)
		}
		field := c.Field
		return func(v *eventView) bool {
			val, ok := v.field(field)
			return ok && re.MatchString(fmt.Sprint(val))
		}, nil

	case ConditionExists:
		if c.Field == "" {
			return nil, fmt.Errorf("%s: exists requires field", path)
		}
		field := c.Field
		return func(v *eventView) bool {
			val, ok := v.field(field)
			return ok && val != nil && val != ""
		}, nil

	case ConditionAll, ConditionAny:
		if len(c.Conditions) == 0 {
			return nil, fmt.Errorf("%s: %s requires conditions", path, c.Type)
		}
		subs, err := compileAll(c.Conditions, path)
		if err != nil {
			return nil, err
		}
		if c.Type == ConditionAll {
			return func(v *eventView) bool {
				for _, m := range subs {
					if !m(v) {
						return false
					}
				}
				return true
			}, nil
		}
		return func(v *eventView) bool {
			for _, m := range subs {
				if m(v) {
					return true
				}
			}
			return false
		}, nil

	case ConditionNot:
		if len(c.Conditions) != 1 {
			return nil, fmt.Errorf("%s: not requires exactly one condition", path)
		}
		sub, err := compileCondition(c.Conditions[0], path+".conditions[0]")
		if err != nil {
			return nil, err
		}
		return func(v *eventView) bool { return !sub(v) }, nil

	default:
		return nil, fmt.Errorf("%s: unknown condition type %q", path, c.Type)
	}
}

func compileAll(conds []Condition, path string) ([]matcher, error) {
	out := make([]matcher, 0, len(conds))
	for i, sub := range conds {
		m, err := compileCondition(sub, fmt.Sprintf("%s.conditions[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
