package model

import (
	"fmt"
	"strings"
)

// Urgency orders routing: Critical > High > Normal > Low.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyNormal   Urgency = "normal"
	UrgencyLow      Urgency = "low"
)

var urgencyRanks = map[Urgency]int{
	UrgencyLow:      0,
	UrgencyNormal:   1,
	UrgencyHigh:     2,
	UrgencyCritical: 3,
}

// Rank returns the ordinal of u. Unknown values rank below Low.
func (u Urgency) Rank() int {
	r, ok := urgencyRanks[u]
	if !ok {
		return -1
	}
	return r
}

func (u Urgency) AtLeast(other Urgency) bool {
	return u.Rank() >= other.Rank()
}

func (u Urgency) Valid() bool {
	_, ok := urgencyRanks[u]
	return ok
}

func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("invalid urgency %q: must be one of critical, high, normal, low", s)
	}
	return u, nil
}
