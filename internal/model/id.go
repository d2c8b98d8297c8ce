package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeRun        IDType = "run"
	IDTypeEvent      IDType = "evt"
	IDTypeDecision   IDType = "dec"
	IDTypeSideEffect IDType = "sfx"
	IDTypeOutcome    IDType = "out"
)

var validIDTypes = map[IDType]bool{
	IDTypeRun:        true,
	IDTypeEvent:      true,
	IDTypeDecision:   true,
	IDTypeSideEffect: true,
	IDTypeOutcome:    true,
}

var idRegex = regexp.MustCompile(`^(run|evt|dec|sfx|out)_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate uuid: %w", err)
	}
	return fmt.Sprintf("%s_%s", idType, u.String()), nil
}

// MustGenerateID panics if the random source fails.
func MustGenerateID(idType IDType) string {
	id, err := GenerateID(idType)
	if err != nil {
		panic(err)
	}
	return id
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(id[:strings.IndexByte(id, '_')]), nil
}

// DecisionIDForEvent derives the decision id used when an event is routed to
// the decision queue, so replaying the event maps onto the same item.
func DecisionIDForEvent(eventID string) string {
	return string(IDTypeDecision) + "_" + eventID
}
