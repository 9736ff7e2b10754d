package exposure

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/archonctl/goarchon/internal/archon"
	"github.com/archonctl/goarchon/internal/archonerr"
	"github.com/archonctl/goarchon/internal/config"
	"github.com/archonctl/goarchon/internal/fits"
	"github.com/archonctl/goarchon/internal/shutter"
)

const readoutPollInterval = time.Second

// Params describes one exposure request, shared by every device in a batch.
type Params struct {
	Flavor      string
	ExposureS   float64
	Observatory string
	ReadoutMax  time.Duration
}

// Job is one device's slice of an exposure batch.
type Job struct {
	Controller  string
	Device      *archon.Device
	Shutter     shutter.Actor
	CCDs        []config.CCDRegion
	Template    string
	MJDDir      string
	ExposureNo  int
	FITSWriters chan<- func() error
}

// Run executes the per-device exposure sequence described for this device
// family: shutter open, integrate, sleep, shutter close, readout poll,
// reset+fetch, region slice, FITS write. The FITS write runs on the
// FITSWriters pool when one is supplied and inline otherwise; either way
// Run returns only once the write has finished (or ctx is done), and its
// error reflects the write's result.
func (j *Job) Run(ctx context.Context, p Params) error {
	filename := expandTemplate(j.Template, map[string]string{
		"exposure_no": fmt.Sprintf("%04d", j.ExposureNo),
		"controller":  j.Controller,
		"observatory": p.Observatory,
		"hemisphere":  hemisphereFor(p.Observatory),
	})
	path := filepath.Join(j.MJDDir, filename)

	if err := j.cycleShutter(ctx, true); err != nil {
		return err
	}

	if err := j.Device.Integrate(ctx, p.ExposureS); err != nil {
		return err
	}

	select {
	case <-time.After(durationFromSeconds(p.ExposureS)):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := j.cycleShutter(ctx, false); err != nil {
		return err
	}

	wbuf, err := j.pollReadout(ctx, p.ReadoutMax)
	if err != nil {
		return err
	}

	if err := j.Device.Reset(ctx); err != nil {
		return err
	}
	width, height, data16, data32, err := j.Device.Fetch(ctx, wbuf)
	if err != nil {
		return err
	}

	writer := fits.NewWriter()
	for _, region := range j.CCDs {
		writer.AddRegion(sliceRegion(region, width, height, data16, data32))
	}

	writeFn := func() error { return writer.WriteFile(path) }
	if j.FITSWriters != nil {
		done := make(chan error, 1)
		j.FITSWriters <- func() error {
			err := writeFn()
			done <- err
			return err
		}
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return writeFn()
}

func (j *Job) cycleShutter(ctx context.Context, open bool) error {
	var state shutter.State
	var err error
	if open {
		state, err = j.Shutter.Open(ctx)
	} else {
		state, err = j.Shutter.Close(ctx)
	}
	if err != nil {
		return archonerr.Wrap(archonerr.ShutterFailed, err, "shutter actor command failed")
	}
	if state != shutter.Open && state != shutter.Closed {
		return archonerr.New(archonerr.ShutterUnknown, "shutter actor reported unrecognized state %q", state)
	}
	return nil
}

// pollReadout polls get_frame() every second until the write buffer
// completes or readoutMax elapses. If the buffer is already complete on
// the very first poll, readout never started.
func (j *Job) pollReadout(ctx context.Context, readoutMax time.Duration) (int, error) {
	deadline := time.Now().Add(readoutMax)
	ticker := time.NewTicker(readoutPollInterval)
	defer ticker.Stop()

	first := true
	for {
		frame, err := j.Device.GetFrame(ctx)
		if err != nil {
			return 0, err
		}
		wbufN, ok := frame["wbuf"]
		if !ok {
			return 0, archonerr.New(archonerr.ReadoutNotStarted, "FRAME reply carries no wbuf key")
		}
		wbuf := int(wbufN)

		complete, _ := frame[fmt.Sprintf("buf%dcomplete", wbuf)]
		if first {
			first = false
			if complete != 0 {
				return 0, archonerr.New(archonerr.ReadoutNotStarted, "buffer %d already complete before readout began", wbuf)
			}
		}
		if complete == 1 {
			return wbuf, nil
		}

		if time.Now().After(deadline) {
			return 0, archonerr.New(archonerr.ReadoutTimeout, "readout did not complete within %s", readoutMax)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func hemisphereFor(observatory string) string {
	if observatory == "apo" {
		return "n"
	}
	return "s"
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func expandTemplate(template string, fields map[string]string) string {
	replacer := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		replacer = append(replacer, "{"+k+"}", v)
	}
	return strings.NewReplacer(replacer...).Replace(template)
}

// sliceRegion extracts a named CCD region from the full readout frame. The
// frame is loaded into a gonum Dense matrix so the rectangular slice is a
// view (mat.Slice) rather than hand-rolled row/column index arithmetic;
// only the final view is copied out into the flat uint16 buffer the FITS
// writer expects.
func sliceRegion(region config.CCDRegion, width, height int, data16 []uint16, data32 []uint32) fits.Region {
	full := mat.NewDense(height, width, nil)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			var v float64
			if data16 != nil {
				v = float64(data16[idx])
			} else {
				v = float64(data32[idx])
			}
			full.Set(y, x, v)
		}
	}

	w := region.X1 - region.X0
	h := region.Y1 - region.Y0
	view := full.Slice(region.Y0, region.Y1, region.X0, region.X1)

	out := make([]uint16, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out = append(out, uint16(view.At(y, x)))
		}
	}
	return fits.Region{Name: region.Name, Width: w, Height: h, Data: out}
}
