package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/archonctl/goarchon/internal/archonerr"
)

func writeTempACF(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.acf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestReadACFSectionParsesKeyValues(t *testing.T) {
	path := writeTempACF(t, "[CONFIG]\nMOD1/TYPE=\"AD\"\nMOD2/TYPE=2\n")
	section, err := ReadACFSection(path, "CONFIG")
	if err != nil {
		t.Fatalf("ReadACFSection returned error: %v", err)
	}
	if section["MOD1/TYPE"] != `"AD"` {
		t.Fatalf("MOD1/TYPE = %q, want quoted AD", section["MOD1/TYPE"])
	}
	if section["MOD2/TYPE"] != "2" {
		t.Fatalf("MOD2/TYPE = %q, want 2", section["MOD2/TYPE"])
	}
}

func TestReadACFSectionMissingSection(t *testing.T) {
	path := writeTempACF(t, "[SYSTEM]\nFOO=1\n")
	if _, err := ReadACFSection(path, "CONFIG"); !archonerr.Is(err, archonerr.ConfigMissingSection) {
		t.Fatalf("expected CONFIG_MISSING_SECTION, got %v", err)
	}
}

func TestUnquoteStripsOneLayer(t *testing.T) {
	if got := Unquote(`"hello"`); got != "hello" {
		t.Fatalf("Unquote = %q, want hello", got)
	}
	if got := Unquote("bare"); got != "bare" {
		t.Fatalf("Unquote = %q, want bare unchanged", got)
	}
}

func TestQuoteWrapsReservedCharacters(t *testing.T) {
	if got := quote("a,b"); got != `"a,b"` {
		t.Fatalf("quote = %q, want quoted", got)
	}
	if got := quote("plain"); got != "plain" {
		t.Fatalf("quote = %q, want unchanged", got)
	}
}

func TestWriteACFRewritesSlashesAndSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.acf")
	system := map[string]string{
		"backplane_temp": "24.5",
		"mod1_name":      "AD",
	}
	err := WriteACF(path, system, []string{"MOD1/TYPE=AD"})
	if err != nil {
		t.Fatalf("WriteACF returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "[SYSTEM]") || !strings.Contains(content, "[CONFIG]") {
		t.Fatalf("output missing section headers: %s", content)
	}
	if strings.Contains(content, "mod1_name") {
		t.Fatalf("synthetic *_name key leaked into output: %s", content)
	}
	if !strings.Contains(content, "backplane_temp=24.5") {
		t.Fatalf("expected backplane_temp line, got: %s", content)
	}
	if !strings.Contains(content, "MOD1\\TYPE=AD") {
		t.Fatalf("expected config key rewritten with '\\', got: %s", content)
	}
}
