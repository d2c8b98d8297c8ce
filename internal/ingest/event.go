// Package ingest feeds external signals into the orchestrator from an inbox
// directory and from NATS.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/phasegate/internal/model"
)

// Handler receives a decoded event. Returning an error leaves the source
// message in place for a later retry where the source supports it.
type Handler func(ctx context.Context, ev model.Event) error

// Decode parses a JSON or YAML event document; format is chosen by the file
// extension, JSON when ext is empty.
func Decode(data []byte, ext string) (model.Event, error) {
	var ev model.Event
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yamlv3.Unmarshal(data, &ev); err != nil {
			return model.Event{}, fmt.Errorf("decode yaml event: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			return model.Event{}, fmt.Errorf("decode json event: %w", err)
		}
	}
	return ev, nil
}

// Normalize fills id, source and timestamp when the producer left them out.
// Urgency and category are always reassigned by the classifier.
func Normalize(ev *model.Event, defaultSource string, now time.Time) error {
	if ev.ID == "" {
		id, err := model.GenerateID(model.IDTypeEvent)
		if err != nil {
			return err
		}
		ev.ID = id
	}
	if ev.Source == "" {
		ev.Source = defaultSource
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Processed = false
	return nil
}

func isEventFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
