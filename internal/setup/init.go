// Package setup initialises and locates the .phasegate workspace.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	yamlutil "github.com/msageha/phasegate/internal/yaml"
	"github.com/msageha/phasegate/templates"
)

// DirName is the workspace directory created inside a project.
const DirName = ".phasegate"

var workspaceDirs = []string{
	"inbox",
	"inbox/processed",
	"inbox/rejected",
	"state",
	"logs",
	"locks",
}

// Run initializes the .phasegate/ directory structure in projectDir.
// projectName overrides the project name (defaults to the directory basename).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range workspaceDirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	cfg, err := generateConfig(projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := yamlutil.WriteRaw(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	for _, name := range []string{"rules.yaml", "plan.yaml"} {
		if err := copyTemplateFile(name, filepath.Join(base, name)); err != nil {
			return err
		}
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

// FindDir searches for .phasegate/ in start and its ancestors and returns
// "" when there is none.
func FindDir(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// generateConfig fills project.name into the config template, keeping its
// comments.
func generateConfig(projectName string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("config template is empty")
	}
	project := mappingValue(doc.Content[0], "project")
	if project == nil {
		return nil, fmt.Errorf("config template has no project section")
	}
	name := mappingValue(project, "name")
	if name == nil {
		return nil, fmt.Errorf("config template has no project.name")
	}
	name.Value = projectName
	name.Tag = "!!str"
	name.Style = yamlv3.DoubleQuotedStyle

	out, err := yamlv3.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func mappingValue(n *yamlv3.Node, key string) *yamlv3.Node {
	if n == nil || n.Kind != yamlv3.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
