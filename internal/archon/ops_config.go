package archon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/archonctl/goarchon/internal/archonerr"
	"github.com/archonctl/goarchon/internal/config"
)

const (
	readConfigTimeout  = 500 * time.Millisecond
	applyAllTimeout    = 5 * time.Second
	resetTimingTimeout = time.Second
)

// MaxConfigLines bounds the addressable RCONFIG/WCONFIG line space.
const MaxConfigLines = 16384

// ReadConfig issues RCONFIGhhhh for every line in [0, MaxConfigLines),
// trims trailing empty lines, and optionally persists the result (plus a
// fresh SYSTEM snapshot) to an ACF file at path.
func (d *Device) ReadConfig(ctx context.Context, save bool, acfPath string) ([]string, error) {
	texts := make([]string, MaxConfigLines)
	for i := 0; i < MaxConfigLines; i++ {
		texts[i] = fmt.Sprintf("RCONFIG%04X", i)
	}

	cmds, failed, err := d.SendMany(ctx, texts, 200, readConfigTimeout)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		return nil, archonerr.New(archonerr.DeviceCmdFailed, "%d RCONFIG subcommands failed", len(failed)).WithStatus("FAILED")
	}

	lines := make([]string, len(cmds))
	for i, cmd := range cmds {
		lines[i] = soleReplyText(cmd)
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	if save {
		system, err := d.GetSystem(ctx)
		if err != nil {
			return nil, err
		}
		if err := config.WriteACF(acfPath, system, lines); err != nil {
			return nil, archonerr.Wrap(archonerr.DeviceCmdFailed, err, "writing ACF %s", acfPath)
		}
	}
	return lines, nil
}

// WriteConfig reads the [CONFIG] section of the ACF at path, reconstitutes
// each key as KEY=VALUE (uppercased, '\' rewritten to '/', quotes
// stripped), clears the device's config, writes every line back, and
// optionally applies and powers the controller on.
func (d *Device) WriteConfig(ctx context.Context, acfPath string, applyAll, powerOn bool) error {
	section, err := config.ReadACFSection(acfPath, "CONFIG")
	if err != nil {
		d.setStatus(StatusError)
		return archonerr.Wrap(archonerr.ConfigMissingSection, err, "reading [CONFIG] from %s", acfPath)
	}

	lines := make([]string, 0, len(section))
	for key, value := range section {
		rewrittenKey := strings.ReplaceAll(strings.ToUpper(key), "\\", "/")
		lines = append(lines, rewrittenKey+"="+config.Unquote(value))
	}

	if _, err := d.SendCommandWait(ctx, "CLEARCONFIG", 1, defaultCommandTimeout); err != nil {
		d.setStatus(StatusError)
		return archonerr.Wrap(archonerr.DeviceCmdFailed, err, "CLEARCONFIG")
	}

	texts := make([]string, len(lines))
	for i, line := range lines {
		texts[i] = fmt.Sprintf("WCONFIG%04X%s", i, line)
	}
	_, failed, err := d.SendMany(ctx, texts, 200, defaultCommandTimeout)
	if err != nil {
		d.setStatus(StatusError)
		return err
	}
	if len(failed) > 0 {
		d.setStatus(StatusError)
		return archonerr.New(archonerr.DeviceCmdFailed, "%d WCONFIG lines failed", len(failed)).WithStatus("FAILED")
	}

	if applyAll {
		if _, err := d.SendCommandWait(ctx, "APPLYALL", 1, applyAllTimeout); err != nil {
			d.setStatus(StatusError)
			return archonerr.Wrap(archonerr.DeviceCmdFailed, err, "APPLYALL")
		}
		if powerOn {
			if _, err := d.SendCommandWait(ctx, "POWERON", 1, defaultCommandTimeout); err != nil {
				d.setStatus(StatusError)
				return archonerr.Wrap(archonerr.DeviceCmdFailed, err, "POWERON")
			}
		}
	}

	d.setStatus(StatusIdle)
	return nil
}

// SetParam sends FASTLOADPARAM <param> <value>.
func (d *Device) SetParam(ctx context.Context, param string, value int) error {
	_, err := d.SendCommandWait(ctx, fmt.Sprintf("FASTLOADPARAM %s %d", param, value), 1, defaultCommandTimeout)
	if err != nil {
		return archonerr.Wrap(archonerr.DeviceCmdFailed, err, "FASTLOADPARAM %s", param)
	}
	return nil
}

// Reset zeroes the continuous/one-shot exposure counters and retimes the
// controller. On success, status becomes IDLE, clearing a sticky ERROR.
func (d *Device) Reset(ctx context.Context) error {
	if err := d.SetParam(ctx, "ContinuousExposures", 0); err != nil {
		return err
	}
	if err := d.SetParam(ctx, "Exposures", 0); err != nil {
		return err
	}
	if _, err := d.SendCommandWait(ctx, "RESETTIMING", 1, resetTimingTimeout); err != nil {
		return archonerr.Wrap(archonerr.DeviceCmdFailed, err, "RESETTIMING")
	}
	d.setStatus(StatusIdle)
	return nil
}
