package protocol

import (
	"strings"
	"sync"
	"time"

	"github.com/archonctl/goarchon/internal/archonerr"
	"github.com/archonctl/goarchon/internal/logging"
)

// MaxCommandID is the upper bound of the 8-bit command id space.
const MaxCommandID = 0xFF

// Status is the lifecycle state of a Command.
type Status int

const (
	StatusRunning Status = iota
	StatusDone
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	case StatusTimedOut:
		return "TIMEDOUT"
	default:
		return "UNKNOWN"
	}
}

// Command tracks one outstanding request. Once its status leaves RUNNING,
// replies is frozen and the caller is expected to return the id to the
// pool (the client's janitor does this; Command itself only tracks state).
type Command struct {
	mu sync.Mutex

	id              uint8
	text            string
	expectedReplies int
	replies         []Reply
	status          Status
	timeout         time.Duration
	timer           *time.Timer

	done     chan struct{}
	closeDoc sync.Once
	logger   logging.Logger
}

// NewCommand constructs a Command. id must be in 0x00-0xFF (always true for
// a uint8, but callers passing a wider type should validate first) and
// expectedReplies must be positive.
func NewCommand(text string, id uint8, expectedReplies int, timeout time.Duration, logger logging.Logger) (*Command, error) {
	if expectedReplies < 1 {
		return nil, archonerr.New(archonerr.BadID, "expected_replies must be positive, got %d", expectedReplies)
	}
	if logger == nil {
		logger = logging.Default()
	}

	c := &Command{
		id:              id,
		text:            strings.ToUpper(text),
		expectedReplies: expectedReplies,
		status:          StatusRunning,
		timeout:         timeout,
		done:            make(chan struct{}),
		logger:          logger,
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, c.onTimeout)
	}
	return c, nil
}

// ID returns the command's allocated id.
func (c *Command) ID() uint8 { return c.id }

// Text returns the uppercased request body, without the id prefix.
func (c *Command) Text() string { return c.text }

// Raw serializes the command to its wire form ">hhBODY\n".
func (c *Command) Raw() []byte {
	return []byte(">" + hexID(c.id) + c.text + "\n")
}

// Status returns the current lifecycle state.
func (c *Command) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Succeeded reports whether the command finished in the DONE state.
func (c *Command) Succeeded() bool {
	return c.Status() == StatusDone
}

// Replies returns a copy of the replies accumulated so far.
func (c *Command) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reply, len(c.replies))
	copy(out, c.replies)
	return out
}

// Done returns a channel that closes once the command leaves RUNNING.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Accept processes one reply to this command, advancing its state machine:
//
//  1. if reply.CommandID doesn't match, the command is marked FAILED and a
//     warning is logged (a protocol-layer anomaly, not a fatal one);
//  2. the reply is appended and the timeout timer (if any) is reset;
//  3. an ERR reply marks the command FAILED;
//  4. once len(replies) == expectedReplies, the command is marked DONE.
func (c *Command) Accept(reply Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusRunning {
		return
	}

	if reply.CommandID != c.id {
		c.logger.Warn("reply command id mismatch",
			logging.Field{Key: "expected", Value: c.id},
			logging.Field{Key: "got", Value: reply.CommandID})
		c.finishLocked(StatusFailed)
		return
	}

	c.replies = append(c.replies, reply)
	if c.timer != nil {
		c.timer.Reset(c.timeout)
	}

	if reply.Kind == ReplyErr {
		c.finishLocked(StatusFailed)
		return
	}

	if len(c.replies) == c.expectedReplies {
		c.finishLocked(StatusDone)
	}
}

// Cancel marks the command FAILED without a protocol-level abort: the
// device has none. It is safe to call more than once.
func (c *Command) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(StatusFailed)
}

func (c *Command) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(StatusTimedOut)
}

// finishLocked transitions the command to a terminal status. Callers must
// hold c.mu. It is a no-op if the command already left RUNNING.
func (c *Command) finishLocked(status Status) {
	if c.status != StatusRunning {
		return
	}
	c.status = status
	if c.timer != nil {
		c.timer.Stop()
	}
	c.closeDoc.Do(func() { close(c.done) })
}
