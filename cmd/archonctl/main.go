// Command archonctl drives one or more Archon CCD controllers: it loads
// the operator configuration, dials the controller named by -controller
// (or, for expose, every controller in the configuration), and runs a
// single operation (status, config sync, or a full exposure batch) before
// exiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/archonctl/goarchon/internal/archon"
	"github.com/archonctl/goarchon/internal/config"
	"github.com/archonctl/goarchon/internal/exposure"
	"github.com/archonctl/goarchon/internal/logging"
	"github.com/archonctl/goarchon/internal/shutter"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("archonctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	defaultConfig := strings.TrimSpace(getenv("ARCHONCTL_CONFIG"))
	if defaultConfig == "" {
		defaultConfig = "archonctl.yaml"
	}

	configPath := fs.String("config", defaultConfig, "path to the operator YAML configuration")
	controllerName := fs.String("controller", "", "controller name from the config's controllers map")
	acfPath := fs.String("acf", "", "path to an ACF file for read-config/write-config")
	applyAll := fs.Bool("apply-all", false, "issue APPLYALL after write-config")
	powerOn := fs.Bool("power-on", false, "issue POWERON after APPLYALL (requires -apply-all)")
	flavor := fs.String("flavor", "object", "exposure flavor: bias, dark, flat, object")
	exposureS := fs.Float64("exposure", 0, "exposure time in seconds (ignored for bias)")
	shutterAddr := fs.String("shutter-addr", "", "shutter actor host:port")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: archonctl [flags] <status|system|read-config|write-config|expose>")
	}
	command := fs.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logging.SetDefault(logging.New(cfg.Logging.Level(), cfg.Logging.FormatValue(), out))

	ctx := context.Background()

	switch command {
	case "status":
		return withDevice(ctx, cfg, *controllerName, func(d *archon.Device) error {
			status, err := d.GetStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%+v\n", status)
			return nil
		})
	case "system":
		return withDevice(ctx, cfg, *controllerName, func(d *archon.Device) error {
			system, err := d.GetSystem(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%+v\n", system)
			return nil
		})
	case "read-config":
		return withDevice(ctx, cfg, *controllerName, func(d *archon.Device) error {
			lines, err := d.ReadConfig(ctx, *acfPath != "", *acfPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "read %d config lines\n", len(lines))
			return nil
		})
	case "write-config":
		if *acfPath == "" {
			return fmt.Errorf("write-config requires -acf")
		}
		return withDevice(ctx, cfg, *controllerName, func(d *archon.Device) error {
			return d.WriteConfig(ctx, *acfPath, *applyAll, *powerOn)
		})
	case "expose":
		return runExpose(ctx, cfg, *flavor, *exposureS, *shutterAddr, out)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func withDevice(ctx context.Context, cfg config.AppConfig, name string, fn func(*archon.Device) error) error {
	cc, ok := cfg.Controllers[name]
	if !ok {
		return fmt.Errorf("controller %q not found in config", name)
	}
	d := archon.NewDevice(name, cc.Addr, archon.WithDialTimeout(cfg.Connection.DialTimeout))
	if err := d.Connect(ctx); err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func runExpose(ctx context.Context, cfg config.AppConfig, flavor string, exposureS float64, shutterAddr string, out io.Writer) error {
	targets := make([]exposure.Target, 0, len(cfg.Controllers))
	for name, cc := range cfg.Controllers {
		d := archon.NewDevice(name, cc.Addr, archon.WithDialTimeout(cfg.Connection.DialTimeout))
		if err := d.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to %s: %w", name, err)
		}
		defer d.Close()

		var actor shutter.Actor
		if shutterAddr != "" {
			actor = shutter.NewTCPClient(shutterAddr, 5*time.Second)
		} else {
			actor = shutter.NewFake()
		}

		targets = append(targets, exposure.Target{
			Name:    name,
			Device:  d,
			Shutter: actor,
			CCDs:    cc.CCDs,
		})
	}

	coord := exposure.NewCoordinator(cfg.Files.DataDir, cfg.Files.Template, logging.Default())
	params := exposure.Params{
		Flavor:      flavor,
		ExposureS:   exposureS,
		Observatory: cfg.Observatory,
		ReadoutMax:  cfg.Timeouts.ReadoutMax,
	}
	if err := coord.Expose(ctx, targets, params); err != nil {
		return err
	}
	fmt.Fprintln(out, "exposure batch complete")
	return nil
}
