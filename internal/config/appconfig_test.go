package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/archonctl/goarchon/internal/logging"
)

const validYAML = `
observatory: apo
files:
  data_dir: /data/archon
  template: "{controller}/{flavor}-{expnum}.fits"
timeouts:
  readout_max: 30s
controllers:
  ccd1:
    addr: 10.0.0.1:4242
    ccds:
      - name: a
        x0: 0
        y0: 0
        x1: 100
        y1: 100
logging:
  level: debug
  format: json
connection:
  dial_timeout: 5s
  reconnect:
    max_retries: 3
    initial_delay: 1s
    max_delay: 10s
`

func writeTempYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTempYAML(t, validYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Hemisphere() != "n" {
		t.Fatalf("Hemisphere() = %q, want n for apo", cfg.Hemisphere())
	}
	if cfg.Timeouts.ReadoutMax != 30*time.Second {
		t.Fatalf("ReadoutMax = %v, want 30s", cfg.Timeouts.ReadoutMax)
	}
	if cfg.Logging.Level() != logging.Debug {
		t.Fatalf("Level() = %v, want Debug", cfg.Logging.Level())
	}
	if cfg.Logging.FormatValue() != logging.JSON {
		t.Fatalf("FormatValue() = %v, want JSON", cfg.Logging.FormatValue())
	}
	region := cfg.Controllers["ccd1"].CCDs[0]
	if region.X1 != 100 || region.Y1 != 100 {
		t.Fatalf("region = %+v, want x1=y1=100", region)
	}
}

func TestLoadRejectsBadObservatory(t *testing.T) {
	bad := `
observatory: mars
files:
  data_dir: /data
  template: x
timeouts:
  readout_max: 1s
`
	if _, err := Load(writeTempYAML(t, bad)); err == nil {
		t.Fatal("expected validation error for unknown observatory")
	}
}

func TestLoadRequiresDataDirAndTemplate(t *testing.T) {
	bad := `
observatory: apo
files:
  data_dir: ""
  template: ""
timeouts:
  readout_max: 1s
`
	if _, err := Load(writeTempYAML(t, bad)); err == nil {
		t.Fatal("expected validation error for missing files settings")
	}
}

func TestLoadRequiresPositiveReadoutMax(t *testing.T) {
	bad := `
observatory: lco
files:
  data_dir: /data
  template: x
timeouts:
  readout_max: 0s
`
	if _, err := Load(writeTempYAML(t, bad)); err == nil {
		t.Fatal("expected validation error for non-positive readout_max")
	}
}

func TestLoggingConfigDefaultsOnUnknownValues(t *testing.T) {
	lc := LoggingConfig{Level: "", Format: ""}
	if lc.Level() != logging.Info {
		t.Fatalf("Level() default = %v, want Info", lc.Level())
	}
	if lc.FormatValue() != logging.Text {
		t.Fatalf("FormatValue() default = %v, want Text", lc.FormatValue())
	}
}
