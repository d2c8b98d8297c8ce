package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/msageha/phasegate/internal/model"
)

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestValidateTaskDAG_LinearChain(t *testing.T) {
	sorted, err := ValidateTaskDAG([]string{"C", "B", "A"}, map[string][]string{
		"B": {"A"},
		"C": {"B"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Join(sorted, ",") != "A,B,C" {
		t.Errorf("sorted = %v, want A,B,C", sorted)
	}
}

func TestValidateTaskDAG_Diamond(t *testing.T) {
	sorted, err := ValidateTaskDAG([]string{"A", "B", "C", "D"}, map[string][]string{
		"B": {"A"},
		"C": {"A"},
		"D": {"B", "C"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sorted) != 4 {
		t.Fatalf("expected 4 nodes, got %v", sorted)
	}
	if indexOf(sorted, "A") > indexOf(sorted, "B") || indexOf(sorted, "C") > indexOf(sorted, "D") || indexOf(sorted, "B") > indexOf(sorted, "D") {
		t.Errorf("order violates dependencies: %v", sorted)
	}
}

func TestValidateTaskDAG_DeclarationOrderForIndependentNodes(t *testing.T) {
	sorted, err := ValidateTaskDAG([]string{"X", "Y", "Z"}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Join(sorted, ",") != "X,Y,Z" {
		t.Errorf("sorted = %v", sorted)
	}
}

func TestValidateTaskDAG_Cycle(t *testing.T) {
	_, err := ValidateTaskDAG([]string{"A", "B"}, map[string][]string{
		"A": {"B"},
		"B": {"A"},
	})
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	path := strings.Join(cfgErr.CyclePath, " -> ")
	if path != "A -> B -> A" && path != "B -> A -> B" {
		t.Errorf("unexpected cycle path %q", path)
	}
}

func TestValidatePhaseDAG_ThreeNodeCycle(t *testing.T) {
	_, err := ValidatePhaseDAG([]string{"p1", "p2", "p3", "p0"}, map[string][]string{
		"p1": {"p3"},
		"p2": {"p1"},
		"p3": {"p2"},
	})
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(cfgErr.CyclePath) != 4 || cfgErr.CyclePath[0] != cfgErr.CyclePath[3] {
		t.Errorf("cycle path should close on itself: %v", cfgErr.CyclePath)
	}
	if indexOf(cfgErr.CyclePath, "p0") >= 0 {
		t.Errorf("p0 is not on the cycle: %v", cfgErr.CyclePath)
	}
}
