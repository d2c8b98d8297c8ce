package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/msageha/phasegate/internal/model"
)

// Desktop shows a macOS notification via osascript with sound.
type Desktop struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}}
}

func (d *Desktop) Notify(ctx context.Context, ev model.Event) error {
	script := fmt.Sprintf(
		`display notification "%s" with title "%s" sound name "default"`,
		escapeAppleScript(Message(ev)), escapeAppleScript(Title(ev)),
	)
	if out, err := d.run(ctx, "osascript", "-e", script); err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
