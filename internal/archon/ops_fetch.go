package archon

import (
	"context"
	"fmt"
	"math"

	"github.com/archonctl/goarchon/internal/archonerr"
	"github.com/archonctl/goarchon/internal/protocol"
)

// Integrate begins an exposure of exposure_time seconds. The device must
// be IDLE. It returns immediately; the caller is responsible for waiting
// out the exposure and driving the shutter and readout sequence.
func (d *Device) Integrate(ctx context.Context, exposureTimeS float64) error {
	if d.Status() != StatusIdle {
		return archonerr.New(archonerr.BadState, "integrate requires IDLE, device is %s", d.Status())
	}

	intMS := int(math.Round(exposureTimeS * 1000))
	if err := d.SetParam(ctx, "IntMS", intMS); err != nil {
		return err
	}
	if err := d.SetParam(ctx, "Exposures", 1); err != nil {
		return err
	}
	d.setStatus(StatusExposing)
	return nil
}

// bufferField reads frame[bufN<field>] as reported by GetFrame.
func bufferField(frame map[string]int64, n int, field string) (int64, bool) {
	v, ok := frame[fmt.Sprintf("buf%d%s", n, field)]
	return v, ok
}

// selectFetchBuffer implements the buffer_no=-1 auto-selection rule: the
// buffer with bufNcomplete==1 and the largest bufNtimestamp.
func selectFetchBuffer(frame map[string]int64) (int, error) {
	best := -1
	var bestTimestamp int64 = -1
	for n := 1; n <= 3; n++ {
		complete, ok := bufferField(frame, n, "complete")
		if !ok || complete != 1 {
			continue
		}
		ts, _ := bufferField(frame, n, "timestamp")
		if best == -1 || ts > bestTimestamp {
			best = n
			bestTimestamp = ts
		}
	}
	if best == -1 {
		return 0, archonerr.New(archonerr.BadArg, "no complete frame buffer available for fetch")
	}
	return best, nil
}

// Fetch retrieves a completed readout buffer (1, 2, or 3; -1 to
// auto-select the most recently completed one) as a (height, width)
// little-endian unsigned integer array flattened in row-major order.
func (d *Device) Fetch(ctx context.Context, bufferNo int) (width, height int, data []uint16, data32 []uint32, err error) {
	if bufferNo != -1 && bufferNo != 1 && bufferNo != 2 && bufferNo != 3 {
		return 0, 0, nil, nil, archonerr.New(archonerr.BadArg, "buffer_no must be 1, 2, 3, or -1, got %d", bufferNo)
	}

	frame, err := d.GetFrame(ctx)
	if err != nil {
		return 0, 0, nil, nil, err
	}

	n := bufferNo
	if n == -1 {
		n, err = selectFetchBuffer(frame)
		if err != nil {
			return 0, 0, nil, nil, err
		}
	} else if complete, _ := bufferField(frame, n, "complete"); complete != 1 {
		return 0, 0, nil, nil, archonerr.New(archonerr.BadArg, "buffer %d is not complete", n)
	}

	width64, _ := bufferField(frame, n, "width")
	height64, _ := bufferField(frame, n, "height")
	sample, _ := bufferField(frame, n, "sample")
	base, _ := bufferField(frame, n, "base")

	width, height = int(width64), int(height64)
	bytesPerPixel := 2
	if sample != 0 {
		bytesPerPixel = 4
	}
	nBytes := width * height * bytesPerPixel
	nBlocks := (nBytes + protocol.BinaryPayloadSize - 1) / protocol.BinaryPayloadSize

	d.setStatus(StatusFetching)

	if _, err := d.SendCommandWait(ctx, fmt.Sprintf("LOCK%d", n), 1, defaultCommandTimeout); err != nil {
		d.setStatus(StatusError)
		return 0, 0, nil, nil, archonerr.Wrap(archonerr.DeviceCmdFailed, err, "LOCK%d", n)
	}

	fetchID, err := d.pool.Take()
	if err != nil {
		d.setStatus(StatusError)
		return 0, 0, nil, nil, err
	}
	d.armBinaryReassembly(fetchID, nBlocks)

	fetchText := fmt.Sprintf("FETCH%08X%08X", base, nBlocks)
	cmd, err := d.sendCommandWithID(ctx, fetchText, fetchID, 1, 0)
	if err != nil {
		d.setStatus(StatusError)
		return 0, 0, nil, nil, err
	}
	<-cmd.Done()
	if !cmd.Succeeded() {
		d.setStatus(StatusError)
		return 0, 0, nil, nil, archonerr.New(archonerr.DeviceCmdFailed, "FETCH").WithStatus(cmd.Status().String())
	}

	if _, err := d.SendCommandWait(ctx, "LOCK0", 1, defaultCommandTimeout); err != nil {
		d.setStatus(StatusError)
		return 0, 0, nil, nil, archonerr.Wrap(archonerr.DeviceCmdFailed, err, "LOCK0")
	}

	raw := cmd.Replies()[0].Binary
	if bytesPerPixel == 2 {
		data = decodeLE16(raw, width*height)
	} else {
		data32 = decodeLE32(raw, width*height)
	}

	d.setStatus(StatusIdle)
	return width, height, data, data32, nil
}

func decodeLE16(raw []byte, count int) []uint16 {
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		off := i * 2
		out[i] = uint16(raw[off]) | uint16(raw[off+1])<<8
	}
	return out
}

func decodeLE32(raw []byte, count int) []uint32 {
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		off := i * 4
		out[i] = uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
	}
	return out
}
