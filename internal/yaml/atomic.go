// Package yaml provides atomic YAML file I/O, schema headers and
// quarantine of corrupted state files.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// WriteDoc stamps body with the schema header of fileType and replaces path
// atomically. body must marshal to a mapping without header keys of its
// own; the stamped document is checked against the header before it is
// staged.
func WriteDoc(path, fileType string, body any) error {
	if !validFileTypes[fileType] {
		return fmt.Errorf("unknown file_type: %q", fileType)
	}
	head, err := yamlv3.Marshal(SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType})
	if err != nil {
		return fmt.Errorf("yaml marshal header: %w", err)
	}
	content, err := yamlv3.Marshal(body)
	if err != nil {
		return fmt.Errorf("yaml marshal %s: %w", fileType, err)
	}
	doc := append(head, content...)
	if err := ValidateSchemaHeaderFromBytes(doc, fileType); err != nil {
		return fmt.Errorf("stamp %s: %w", filepath.Base(path), err)
	}
	return replace(path, doc)
}

// ReadDoc decodes a document written by WriteDoc into out after checking
// its header against fileType. A missing file reports found=false.
func ReadDoc(path, fileType string, out any) (found bool, err error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return true, fmt.Errorf("%s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return true, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// WriteFile marshals data as is and replaces path atomically. Used for
// files without a schema header, such as inbox drops.
func WriteFile(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return replace(path, content)
}

// WriteRaw replaces path atomically with pre-rendered content, which must
// parse as YAML.
func WriteRaw(path string, content []byte) error {
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}
	return replace(path, content)
}

// replace stages content next to path, keeps the previous version as
// <path>.bak and renames the staged file into place. The directory is synced
// so the rename survives a crash.
func replace(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	staged, err := stage(dir, content)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(staged) }()

	if err := backup(path); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(dir)
}

// stage writes content to a synced temp file in dir and returns its name.
// Nothing is left behind on error.
func stage(dir string, content []byte) (name string, err error) {
	tmp, err := os.CreateTemp(dir, ".phasegate-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if cerr := tmp.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close temp file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(tmp.Name())
			name = ""
		}
	}()
	if _, err = tmp.Write(content); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	return tmp.Name(), nil
}

// backup points <path>.bak at the current contents of path. A hard link is
// enough since the rename that follows swaps in a new inode; filesystems
// without links get a copy.
func backup(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	bak := path + ".bak"
	if err := os.Remove(bak); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Link(path, bak); err == nil {
		return nil
	}
	return copyFile(path, bak)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
