package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type testBucket struct {
	Bucket  string            `yaml:"bucket"`
	Records map[string]string `yaml:"records"`
}

func TestWriteDoc_StampsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "decisions.yaml")
	body := testBucket{Bucket: "decisions", Records: map[string]string{"dec_1": "{}"}}
	if err := WriteDoc(path, FileTypeStoreBucket, body); err != nil {
		t.Fatalf("WriteDoc failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), "schema_version: 1\nfile_type: store_bucket\n") {
		t.Errorf("header not stamped first:\n%s", content)
	}
	if err := ValidateSchemaHeaderFromBytes(content, FileTypeStoreBucket); err != nil {
		t.Errorf("stamped header invalid: %v", err)
	}

	var got testBucket
	found, err := ReadDoc(path, FileTypeStoreBucket, &got)
	if err != nil || !found {
		t.Fatalf("ReadDoc: found=%v err=%v", found, err)
	}
	if got.Bucket != "decisions" || got.Records["dec_1"] != "{}" {
		t.Errorf("body round trip: %+v", got)
	}
}

func TestWriteDoc_RejectsBodyCarryingHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.yaml")
	body := map[string]any{"file_type": "plan", "records": map[string]string{}}
	if err := WriteDoc(path, FileTypeStoreBucket, body); err == nil {
		t.Fatal("expected error for body with its own file_type")
	}
	if err := WriteDoc(path, "ledger", testBucket{}); err == nil {
		t.Fatal("expected error for unknown file type")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("files left behind: %d", len(entries))
	}
}

func TestReadDoc_WrongFileType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := WriteDoc(path, FileTypeRules, map[string]any{"rules": []string{}}); err != nil {
		t.Fatal(err)
	}
	var got testBucket
	found, err := ReadDoc(path, FileTypeStoreBucket, &got)
	if !found || err == nil || !strings.Contains(err.Error(), "file_type mismatch") {
		t.Errorf("ReadDoc: found=%v err=%v", found, err)
	}
}

func TestReadDoc_Missing(t *testing.T) {
	var got testBucket
	found, err := ReadDoc(filepath.Join(t.TempDir(), "nope.yaml"), FileTypeStoreBucket, &got)
	if err != nil || found {
		t.Errorf("ReadDoc missing: found=%v err=%v", found, err)
	}
}

func TestWriteDoc_KeepsPreviousVersionAsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.yaml")
	for _, v := range []string{"1", "2"} {
		if err := WriteDoc(path, FileTypeStoreBucket, testBucket{Bucket: "runs", Records: map[string]string{"version": v}}); err != nil {
			t.Fatalf("write %s failed: %v", v, err)
		}
	}

	var bak testBucket
	found, err := ReadDoc(path+".bak", FileTypeStoreBucket, &bak)
	if err != nil || !found {
		t.Fatalf("ReadDoc .bak: found=%v err=%v", found, err)
	}
	if bak.Records["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bak.Records["version"], "1")
	}
	var cur testBucket
	if _, err := ReadDoc(path, FileTypeStoreBucket, &cur); err != nil {
		t.Fatal(err)
	}
	if cur.Records["version"] != "2" {
		t.Errorf("current version: got %q, want %q", cur.Records["version"], "2")
	}
}

func TestWriteFile_NoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox", "evt_1.yaml")
	if err := WriteFile(path, map[string]string{"id": "evt_1"}); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := yamlv3.Unmarshal(content, &got); err != nil {
		t.Fatal(err)
	}
	if got["id"] != "evt_1" || got["file_type"] != "" {
		t.Errorf("unexpected document: %v", got)
	}
}

func TestWriteRaw_RejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")

	if err := WriteRaw(path, []byte("key: [unterminated\n")); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("target file must not exist after failed write")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %d", len(entries))
	}
}
