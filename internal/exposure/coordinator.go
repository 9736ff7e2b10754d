// Package exposure implements the multi-device exposure coordinator: the
// shutter handshake, readout polling, parallel fan-out with
// failure-induced cancellation, and the file-locked exposure-number
// sequence built on top of internal/archon device operations.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archonctl/goarchon/internal/archon"
	"github.com/archonctl/goarchon/internal/archonerr"
	"github.com/archonctl/goarchon/internal/config"
	"github.com/archonctl/goarchon/internal/logging"
	"github.com/archonctl/goarchon/internal/shutter"
)

const fitsWorkerPoolSize = 4

// Target is one device participating in a batch, paired with its shutter
// actor and CCD region layout.
type Target struct {
	Name    string
	Device  *archon.Device
	Shutter shutter.Actor
	CCDs    []config.CCDRegion
}

// Coordinator serializes exposure batches and owns the data directory
// layout and exposure-number sequencing.
type Coordinator struct {
	DataDir  string
	Template string
	Logger   logging.Logger

	exposing atomic.Bool
}

// NewCoordinator constructs a Coordinator writing under dataDir.
func NewCoordinator(dataDir, template string, logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{DataDir: dataDir, Template: template, Logger: logger}
}

// Expose runs one exposure batch across targets. It fails the whole batch,
// cancelling any still-running per-device jobs, if any device fails. The
// exposure counter only advances on whole-batch success.
func (c *Coordinator) Expose(ctx context.Context, targets []Target, p Params) error {
	if !c.exposing.CompareAndSwap(false, true) {
		return archonerr.New(archonerr.Busy, "coordinator is already exposing")
	}
	defer c.exposing.Store(false)

	for _, t := range targets {
		if !t.Device.Connected() {
			return archonerr.New(archonerr.ConnClosed, "device %s is not connected", t.Name)
		}
	}

	if p.Flavor == "bias" {
		p.ExposureS = 0
	} else if !(p.ExposureS > 0) || math.IsInf(p.ExposureS, 0) || math.IsNaN(p.ExposureS) {
		return archonerr.New(archonerr.BadArg, "exposure time must be positive and finite for flavor %q", p.Flavor)
	}

	mjd := currentMJD()
	mjdDir := filepath.Join(c.DataDir, fmt.Sprintf("%d", mjd))
	if err := os.MkdirAll(mjdDir, 0o755); err != nil {
		return archonerr.Wrap(archonerr.BadArg, err, "creating MJD directory %s", mjdDir)
	}

	counterPath := filepath.Join(c.DataDir, "nextExposureNumber")
	counter, err := openCounter(counterPath)
	if err != nil {
		return err
	}
	defer counter.unlock()

	n, err := counter.read()
	if err != nil {
		return archonerr.Wrap(archonerr.CounterLocked, err, "reading counter %s", counterPath)
	}

	fitsJobs := make(chan func() error)
	var wg sync.WaitGroup
	for i := 0; i < fitsWorkerPoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range fitsJobs {
				_ = job()
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(targets))
	var jobWG sync.WaitGroup
	for _, t := range targets {
		t := t
		jobWG.Add(1)
		go func() {
			defer jobWG.Done()
			job := &Job{
				Controller:  t.Name,
				Device:      t.Device,
				Shutter:     t.Shutter,
				CCDs:        t.CCDs,
				Template:    c.Template,
				MJDDir:      mjdDir,
				ExposureNo:  n,
				FITSWriters: fitsJobs,
			}
			if err := job.Run(runCtx, p); err != nil {
				// A job whose only failure is the ctx cancellation from a
				// sibling's real fault is a cascade, not a new terminal
				// error; only the triggering failure gets logged.
				if !errors.Is(err, context.Canceled) {
					c.Logger.Error("exposure job failed",
						logging.Field{Key: "device", Value: t.Name},
						logging.Field{Key: "error", Value: err})
				}
				errs <- fmt.Errorf("%s: %w", t.Name, err)
				cancel()
				return
			}
			errs <- nil
		}()
	}

	jobWG.Wait()
	close(errs)
	close(fitsJobs)
	wg.Wait()

	// Prefer the triggering failure over a sibling's cascade cancellation
	// as the batch's returned error, even if the cascade error reached
	// the channel first.
	var batchErr error
	for err := range errs {
		if err == nil {
			continue
		}
		if batchErr == nil || (errors.Is(batchErr, context.Canceled) && !errors.Is(err, context.Canceled)) {
			batchErr = err
		}
	}
	if batchErr != nil {
		return batchErr
	}

	if err := counter.write(n + 1); err != nil {
		return archonerr.Wrap(archonerr.CounterLocked, err, "writing counter %s", counterPath)
	}
	return nil
}

// currentMJD returns the integer-truncated Modified Julian Date for now.
func currentMJD() int {
	return mjdFromTime(timeNow())
}

func mjdFromTime(t time.Time) int {
	const mjdEpochUnixSeconds = -3506716800 // 1858-11-17T00:00:00Z
	days := (t.Unix() - mjdEpochUnixSeconds) / 86400
	return int(days)
}

// timeNow is a seam for tests; production code always calls time.Now.
var timeNow = time.Now
