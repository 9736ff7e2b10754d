// Package archon implements the Archon line-oriented wire protocol on top
// of the framing primitives in internal/protocol: a connection owner that
// multiplexes up to 256 concurrent in-flight commands over one TCP socket,
// reassembles chunked binary replies, tracks controller status, and exposes
// the SYSTEM/CONFIG/exposure device operations built on top of it.
package archon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/archonctl/goarchon/internal/archonerr"
	"github.com/archonctl/goarchon/internal/logging"
	"github.com/archonctl/goarchon/internal/protocol"
)

const (
	defaultCommandTimeout = 10 * time.Second
	defaultDialTimeout    = 5 * time.Second
	janitorInterval       = 500 * time.Millisecond
)

// reassemblyState tracks an in-progress binary reassembly for one command.
// buf is sized (BinaryPayloadSize+4)*nBlocks and holds each raw 4-byte
// header plus 1024-byte body chunk at its k*1028 offset, matching the
// on-wire chunk layout; the header bytes are stripped back out once all
// blocks have arrived.
type reassemblyState struct {
	forID    uint8
	buf      []byte
	nBlocks  int
	received int
}

func newReassemblyState(forID uint8, nBlocks int) *reassemblyState {
	return &reassemblyState{
		forID:   forID,
		buf:     make([]byte, (protocol.BinaryPayloadSize+4)*nBlocks),
		nBlocks: nBlocks,
	}
}

// append copies one binary chunk into the scratch buffer. When the final
// block arrives it returns the compacted synthetic reply and true.
func (rs *reassemblyState) append(reply protocol.Reply) (protocol.Reply, bool) {
	offset := rs.received * (protocol.BinaryPayloadSize + 4)
	header := []byte{'<', hexDigit(rs.forID >> 4), hexDigit(rs.forID & 0xF), ':'}
	copy(rs.buf[offset:offset+4], header)
	copy(rs.buf[offset+4:offset+4+protocol.BinaryPayloadSize], reply.Binary)
	rs.received++

	if rs.received < rs.nBlocks {
		return protocol.Reply{}, false
	}

	compacted := make([]byte, 0, rs.nBlocks*protocol.BinaryPayloadSize)
	for k := 0; k < rs.nBlocks; k++ {
		start := k*(protocol.BinaryPayloadSize+4) + 4
		compacted = append(compacted, rs.buf[start:start+protocol.BinaryPayloadSize]...)
	}
	return protocol.Reply{Kind: protocol.ReplyBinary, CommandID: rs.forID, Binary: compacted}, true
}

func hexDigit(n uint8) byte {
	const digits = "0123456789ABCDEF"
	return digits[n&0xF]
}

// connGen is one dial's worth of live connection state: the socket, its
// reader, and the signals that mark this particular generation's end. A
// reconnect replaces the Device's current generation wholesale rather than
// mutating fields shared with the reader and janitor loops of the previous
// one, so a stale generation always finishes tearing itself down on its own
// channels instead of racing a new generation's.
type connGen struct {
	conn   net.Conn
	reader *bufio.Reader

	endOnce sync.Once
	ended   chan struct{}

	readerExited  chan struct{}
	janitorExited chan struct{}
}

func newConnGen(conn net.Conn) *connGen {
	return &connGen{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		ended:         make(chan struct{}),
		readerExited:  make(chan struct{}),
		janitorExited: make(chan struct{}),
	}
}

// end marks this generation over and closes its socket. Safe to call from
// both the reader loop (on a read error) and Device.Close (on explicit
// shutdown), whichever happens first.
func (g *connGen) end() error {
	var err error
	g.endOnce.Do(func() {
		close(g.ended)
		err = g.conn.Close()
	})
	return err
}

// Device owns one TCP connection to an Archon controller: the serialized
// writer, the reader loop, the command id pool, the in-flight command
// table, binary reassembly state, and the controller's status stream.
type Device struct {
	Name string
	Addr string

	dialTimeout time.Duration
	logger      logging.Logger
	reconnect   *ReconnectConfig
	Metrics     Metrics

	writeMu sync.Mutex

	genMu sync.RWMutex
	gen   *connGen

	reconnectMu  sync.Mutex
	reconnecting bool

	pool *protocol.IDPool

	runningMu sync.Mutex
	running   map[uint8]*protocol.Command

	reassemblyMu sync.Mutex
	reassembly   *reassemblyState

	status *statusStream

	closeOnce  sync.Once
	userClosed chan struct{}
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithLogger overrides the device's logger (defaults to logging.Default()).
func WithLogger(l logging.Logger) Option {
	return func(d *Device) { d.logger = l }
}

// WithDialTimeout overrides the TCP dial timeout (default 5s).
func WithDialTimeout(t time.Duration) Option {
	return func(d *Device) { d.dialTimeout = t }
}

// WithReconnect enables automatic reconnection with the given policy. Once
// set, a write or read failure triggers a background reconnect instead of
// leaving the device permanently disconnected.
func WithReconnect(cfg ReconnectConfig) Option {
	return func(d *Device) { d.reconnect = &cfg }
}

// NewDevice constructs a Device bound to name/addr. Connect must be called
// before sending commands.
func NewDevice(name, addr string, opts ...Option) *Device {
	d := &Device{
		Name:        name,
		Addr:        addr,
		dialTimeout: defaultDialTimeout,
		logger:      logging.Default(),
		pool:        protocol.NewIDPool(),
		running:     make(map[uint8]*protocol.Command),
		status:      newStatusStream(StatusUnknown),
		userClosed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(logging.Field{Key: "device", Value: name})
	return d
}

// Connect dials the controller and starts the reader loop and janitor for
// a fresh connection generation.
func (d *Device) Connect(ctx context.Context) error {
	select {
	case <-d.userClosed:
		return archonerr.New(archonerr.ConnClosed, "device %s is closed", d.Name)
	default:
	}

	conn, err := dialContext(ctx, d.Addr, d.dialTimeout)
	if err != nil {
		return archonerr.Wrap(archonerr.ConnClosed, err, "dialing %s", d.Addr)
	}

	g := newConnGen(conn)
	d.genMu.Lock()
	d.gen = g
	d.genMu.Unlock()

	go d.readLoop(g)
	go d.janitor(g)
	d.logger.Info("connected", logging.Field{Key: "addr", Value: d.Addr})
	return nil
}

func dialContext(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	var dialer net.Dialer
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Close shuts down the connection and background goroutines. Any commands
// still RUNNING are cancelled. No further reconnection is attempted after
// Close, even if one was already in flight. Idempotent.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.userClosed)

		d.genMu.RLock()
		g := d.gen
		d.genMu.RUnlock()

		d.runningMu.Lock()
		for _, cmd := range d.running {
			cmd.Cancel()
		}
		d.runningMu.Unlock()

		if g != nil {
			err = g.end()
			<-g.readerExited
			<-g.janitorExited
		}
	})
	return err
}

// Connected reports whether Connect has succeeded against the current
// connection generation and neither it has failed nor Close has run.
func (d *Device) Connected() bool {
	d.genMu.RLock()
	g := d.gen
	d.genMu.RUnlock()
	if g == nil {
		return false
	}
	select {
	case <-g.ended:
		return false
	default:
		return true
	}
}

// Status returns the controller's last known coarse state.
func (d *Device) Status() Status { return d.status.get() }

// SubscribeStatus returns a channel seeded with the current status,
// followed by one value per subsequent change, and a cancel function that
// unsubscribes and closes the channel.
func (d *Device) SubscribeStatus() (<-chan Status, func()) {
	return d.status.subscribe()
}

// setStatus enforces ERROR stickiness: once ERROR is set, only an explicit
// reset (passing StatusIdle from Device.Reset) clears it.
func (d *Device) setStatus(next Status) {
	if d.status.get() == StatusError && next != StatusIdle {
		return
	}
	d.status.set(next)
}

// SendCommand allocates a command id, writes the request, and returns the
// Command handle immediately; callers wait on Command.Done(). A timeout of
// zero means no per-command timer (the caller relies on ctx instead).
func (d *Device) SendCommand(ctx context.Context, body string, expectedReplies int, timeout time.Duration) (*protocol.Command, error) {
	id, err := d.pool.Take()
	if err != nil {
		return nil, err
	}
	cmd, err := d.sendCommandWithID(ctx, body, id, expectedReplies, timeout)
	if err != nil && cmd == nil {
		d.pool.Release(id)
	}
	return cmd, err
}

// sendCommandWithID sends body under an id the caller has already taken
// from the pool (used by Fetch, which must know the FETCH command's id
// before arming binary reassembly for it).
func (d *Device) sendCommandWithID(ctx context.Context, body string, id uint8, expectedReplies int, timeout time.Duration) (*protocol.Command, error) {
	select {
	case <-d.userClosed:
		return nil, archonerr.New(archonerr.ConnClosed, "device %s is closed", d.Name)
	default:
	}

	cmd, err := protocol.NewCommand(body, id, expectedReplies, timeout, d.logger)
	if err != nil {
		return nil, err
	}

	d.runningMu.Lock()
	d.running[id] = cmd
	d.runningMu.Unlock()

	raw := cmd.Raw()
	if err := d.writeFrame(raw); err != nil {
		cmd.Cancel()
		return cmd, archonerr.Wrap(archonerr.ConnClosed, err, "writing command %s", cmd.Text())
	}

	d.Metrics.CommandsSent.Add(1)
	d.Metrics.LastCommandTime.Store(time.Now())
	return cmd, nil
}

// SendCommandWait sends and blocks until the command terminates or ctx is
// done, returning an archonerr.DeviceCmdFailed error for FAILED/TIMEDOUT.
func (d *Device) SendCommandWait(ctx context.Context, body string, expectedReplies int, timeout time.Duration) (*protocol.Command, error) {
	cmd, err := d.SendCommand(ctx, body, expectedReplies, timeout)
	if err != nil {
		return nil, err
	}
	select {
	case <-cmd.Done():
	case <-ctx.Done():
		cmd.Cancel()
		return cmd, ctx.Err()
	}
	if !cmd.Succeeded() {
		d.Metrics.CommandsFailed.Add(1)
		return cmd, archonerr.New(archonerr.DeviceCmdFailed, "command %s", cmd.Text()).WithStatus(cmd.Status().String())
	}
	return cmd, nil
}

// SendMany dispatches texts in chunks bounded by maxChunk and the pool's
// remaining capacity, waiting for each chunk to fully settle (done or
// failed) before sending the next. It returns the commands that succeeded
// and the ones that did not; an error is returned only when a command
// cannot be sent at all (no free id, or a write failure), which aborts the
// rest of the batch.
func (d *Device) SendMany(ctx context.Context, texts []string, maxChunk int, timeout time.Duration) (done, failed []*protocol.Command, err error) {
	if maxChunk <= 0 {
		maxChunk = 100
	}

	for start := 0; start < len(texts); {
		chunkSize := maxChunk
		if avail := d.pool.Len(); avail < chunkSize {
			chunkSize = avail
		}
		if chunkSize <= 0 {
			return done, failed, archonerr.New(archonerr.PoolExhausted, "no ids available for send_many chunk")
		}
		end := start + chunkSize
		if end > len(texts) {
			end = len(texts)
		}

		chunk := make([]*protocol.Command, 0, end-start)
		for _, text := range texts[start:end] {
			cmd, sendErr := d.SendCommand(ctx, text, 1, timeout)
			if sendErr != nil {
				return done, failed, sendErr
			}
			chunk = append(chunk, cmd)
		}
		for _, cmd := range chunk {
			select {
			case <-cmd.Done():
			case <-ctx.Done():
				cmd.Cancel()
			}
			if cmd.Succeeded() {
				done = append(done, cmd)
			} else {
				failed = append(failed, cmd)
			}
		}
		// Every command of the chunk has settled; return their ids to the
		// pool now rather than waiting for the janitor's next tick.
		d.sweep()
		start = end
	}
	return done, failed, nil
}

// armBinaryReassembly pre-allocates the reassembly buffer for a fetch of
// nBlocks chunks addressed to forID. Must be called before the FETCH
// command that triggers the chunked reply is sent.
func (d *Device) armBinaryReassembly(forID uint8, nBlocks int) {
	d.reassemblyMu.Lock()
	d.reassembly = newReassemblyState(forID, nBlocks)
	d.reassemblyMu.Unlock()
}

func (d *Device) writeFrame(frame []byte) error {
	d.genMu.RLock()
	g := d.gen
	d.genMu.RUnlock()
	if g == nil {
		return archonerr.New(archonerr.ConnClosed, "device %s has no active connection", d.Name)
	}

	d.writeMu.Lock()
	n, err := g.conn.Write(frame)
	d.writeMu.Unlock()
	d.Metrics.BytesSent.Add(uint64(n))
	if err != nil {
		d.handleConnectionFailure(g, err)
	}
	return err
}

// readLoop is the sole reader of the socket for generation g. It frames
// each incoming reply and either feeds it to an in-progress binary
// reassembly or dispatches it to the matching running command.
func (d *Device) readLoop(g *connGen) {
	defer close(g.readerExited)
	for {
		frame, n, err := d.readFrame(g.reader)
		d.Metrics.BytesReceived.Add(uint64(n))
		if err != nil {
			select {
			case <-g.ended:
				return
			default:
			}
			if err == io.EOF {
				d.logger.Warn("connection closed by peer")
			} else {
				d.logger.Error("read loop error", logging.Field{Key: "error", Value: err})
			}
			d.handleConnectionFailure(g, err)
			return
		}
		d.handleFrame(frame)
	}
}

func (d *Device) readFrame(reader *bufio.Reader) ([]byte, int, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(reader, hdr); err != nil {
		return nil, 0, err
	}

	switch hdr[3] {
	case '\n':
		return hdr, 4, nil
	case ':':
		body := make([]byte, protocol.BinaryPayloadSize)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, 4, err
		}
		frame := make([]byte, 0, 4+len(body))
		frame = append(frame, hdr...)
		frame = append(frame, body...)
		return frame, 4 + len(body), nil
	default:
		rest, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, 4, err
		}
		frame := make([]byte, 0, 4+len(rest))
		frame = append(frame, hdr...)
		frame = append(frame, rest...)
		return frame, 4 + len(rest), nil
	}
}

func (d *Device) handleFrame(frame []byte) {
	reply, err := protocol.ParseReply(frame)
	if err != nil {
		d.logger.Warn("protocol parse error", logging.Field{Key: "error", Value: err})
		return
	}

	d.reassemblyMu.Lock()
	rs := d.reassembly
	if rs != nil {
		if reply.Kind == protocol.ReplyBinary && reply.CommandID == rs.forID {
			synthetic, complete := rs.append(reply)
			if complete {
				d.reassembly = nil
			}
			d.reassemblyMu.Unlock()
			if complete {
				d.dispatch(synthetic)
			}
			return
		}
		d.reassembly = nil
		d.reassemblyMu.Unlock()
		d.logger.Warn("binary reassembly interleaved",
			logging.Field{Key: "reassembling", Value: fmt.Sprintf("%02X", rs.forID)},
			logging.Field{Key: "got", Value: fmt.Sprintf("%02X", reply.CommandID)})
		d.failCommand(rs.forID, archonerr.New(archonerr.ProtocolInterleave,
			"frame for id %02X arrived mid-reassembly of id %02X", reply.CommandID, rs.forID))
	} else {
		d.reassemblyMu.Unlock()
	}

	d.dispatch(reply)
}

func (d *Device) dispatch(reply protocol.Reply) {
	d.runningMu.Lock()
	cmd, ok := d.running[reply.CommandID]
	d.runningMu.Unlock()
	if !ok {
		d.logger.Warn("reply for unknown command id", logging.Field{Key: "id", Value: fmt.Sprintf("%02X", reply.CommandID)})
		return
	}
	cmd.Accept(reply)
}

func (d *Device) failCommand(id uint8, _ error) {
	d.runningMu.Lock()
	cmd, ok := d.running[id]
	d.runningMu.Unlock()
	if ok {
		cmd.Cancel()
	}
}

func (d *Device) failAllRunning(_ error) {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	for _, cmd := range d.running {
		cmd.Cancel()
	}
}

// handleConnectionFailure is the single entry point for a dead connection,
// reached from both the read loop and a failed write. It fails every
// RUNNING command for the device and, if reconnection is configured,
// starts exactly one background reconnect attempt even if the read and
// write paths both observe the same failure.
func (d *Device) handleConnectionFailure(g *connGen, err error) {
	g.end()
	d.setStatus(StatusError)
	d.failAllRunning(archonerr.Wrap(archonerr.ConnClosed, err, "connection lost"))

	if d.reconnect == nil {
		return
	}

	d.reconnectMu.Lock()
	if d.reconnecting {
		d.reconnectMu.Unlock()
		return
	}
	d.reconnecting = true
	d.reconnectMu.Unlock()

	go func() {
		defer func() {
			d.reconnectMu.Lock()
			d.reconnecting = false
			d.reconnectMu.Unlock()
		}()
		if rerr := d.reconnectWithBackoff(context.Background()); rerr != nil {
			d.logger.Error("reconnect exhausted", logging.Field{Key: "error", Value: rerr})
		}
	}()
}

// janitor periodically releases the ids of terminated commands back to the
// pool for generation g, which also bounds the lifetime of commands whose
// caller never awaited them. It exits when g ends, whether that is by a
// read/write failure or by Device.Close.
func (d *Device) janitor(g *connGen) {
	defer close(g.janitorExited)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ended:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Device) sweep() {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	for id, cmd := range d.running {
		if cmd.Status() != protocol.StatusRunning {
			delete(d.running, id)
			d.pool.Release(id)
		}
	}
}

// reconnectWithBackoff retries Connect using an exponential backoff policy,
// honoring ctx cancellation and Device.Close between attempts. On success
// it invokes OnReconnect so the caller can resynchronize any in-flight
// protocol state.
func (d *Device) reconnectWithBackoff(ctx context.Context) error {
	if d.reconnect == nil {
		return archonerr.New(archonerr.ConnClosed, "reconnect not configured for device %s", d.Name)
	}

	bo := backoff.NewExponentialBackOff()
	if d.reconnect.InitialDelay > 0 {
		bo.InitialInterval = d.reconnect.InitialDelay
	}
	if d.reconnect.MaxDelay > 0 {
		bo.MaxInterval = d.reconnect.MaxDelay
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; d.reconnect.MaxRetries <= 0 || attempt < d.reconnect.MaxRetries; attempt++ {
		select {
		case <-d.userClosed:
			return archonerr.New(archonerr.ConnClosed, "device %s closed during reconnect", d.Name)
		default:
		}

		if err := d.Connect(ctx); err == nil {
			d.Metrics.ReconnectCount.Add(1)
			d.setStatus(StatusIdle)
			if d.reconnect.OnReconnect != nil {
				if err := d.reconnect.OnReconnect(d); err != nil {
					return archonerr.Wrap(archonerr.ConnClosed, err, "reconnect callback for %s", d.Name)
				}
			}
			return nil
		} else {
			lastErr = err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		d.logger.Warn("reconnect attempt failed",
			logging.Field{Key: "attempt", Value: attempt + 1},
			logging.Field{Key: "delay", Value: delay},
			logging.Field{Key: "error", Value: lastErr})

		select {
		case <-d.userClosed:
			return archonerr.New(archonerr.ConnClosed, "device %s closed during reconnect", d.Name)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return archonerr.Wrap(archonerr.ConnClosed, lastErr, "reconnect to %s exhausted retries", d.Name)
}
