package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/archonctl/goarchon/internal/archonerr"
)

// ReadACFSection parses the named section ([SYSTEM] or [CONFIG]) out of an
// ACF file and returns its key=value pairs with surrounding quotes left
// intact (callers needing the raw value call Unquote themselves). There is
// no general-purpose INI library in play here: the ACF grammar is a single
// flat key=value-per-line dialect with ad hoc quoting rules specific to
// this device family, so a small hand-rolled scanner is clearer than
// bending a general INI parser to match it.
func ReadACFSection(path, section string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wantHeader := "[" + section + "]"
	result := make(map[string]string)
	inSection := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inSection = line == wantHeader
			continue
		}
		if !inSection {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		result[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sectionSeen(path, wantHeader) {
		return nil, archonerr.New(archonerr.ConfigMissingSection, "no %s section in %s", wantHeader, path)
	}
	return result, nil
}

func sectionSeen(path, header string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == header {
			return true
		}
	}
	return false
}

// Unquote strips a single layer of surrounding double quotes, if present.
func Unquote(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return value[1 : len(value)-1]
	}
	return value
}

// quote double-quotes a value if it contains ';', '=', or ',' — the ACF
// dialect's reserved characters.
func quote(value string) string {
	if strings.ContainsAny(value, ";=,") {
		return `"` + value + `"`
	}
	return value
}

// WriteACF writes an ACF file with a [SYSTEM] section built from system
// (excluding any *_name synthetic keys added by GetSystem) and a [CONFIG]
// section built from the raw RCONFIG line text ("KEY=VALUE" already
// uppercased by the device). In both sections keys with '/' are rewritten
// to '\' per the on-disk dialect, and values are quoted as quote describes.
func WriteACF(path string, system map[string]string, configLines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	fmt.Fprintln(w, "[SYSTEM]")
	keys := make([]string, 0, len(system))
	for k := range system {
		if strings.HasSuffix(k, "_name") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		diskKey := strings.ReplaceAll(k, "/", "\\")
		fmt.Fprintf(w, "%s=%s\n", diskKey, quote(system[k]))
	}

	fmt.Fprintln(w, "\n[CONFIG]")
	for _, line := range configLines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			fmt.Fprintln(w, line)
			continue
		}
		fmt.Fprintf(w, "%s=%s\n", strings.ReplaceAll(key, "/", "\\"), quote(value))
	}
	return nil
}
