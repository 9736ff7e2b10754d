package exposure

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/archonctl/goarchon/internal/archonerr"
)

// counterFile holds an exclusive non-blocking advisory lock on the
// nextExposureNumber file across its read-modify-write cycle. The lock
// must cover the whole cycle: unlocking between read and write would
// let a second cooperating process observe the same starting value.
type counterFile struct {
	f *os.File
}

// openCounter opens (creating if absent) and locks path exclusively,
// non-blocking. A second caller contending for the same file gets
// COUNTER_LOCKED rather than blocking.
func openCounter(path string) (*counterFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, archonerr.Wrap(archonerr.CounterLocked, err, "opening counter file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, archonerr.Wrap(archonerr.CounterLocked, err, "locking counter file %s", path)
	}

	return &counterFile{f: f}, nil
}

// read returns the integer in the file, treating an empty file as 1.
func (c *counterFile) read() (int, error) {
	if _, err := c.f.Seek(0, 0); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(c.f.Name())
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("counter file %s contains non-integer value %q: %w", c.f.Name(), text, err)
	}
	return n, nil
}

// write truncates the file and writes n, still under the held lock.
func (c *counterFile) write(n int) error {
	if err := c.f.Truncate(0); err != nil {
		return err
	}
	if _, err := c.f.Seek(0, 0); err != nil {
		return err
	}
	_, err := c.f.WriteString(strconv.Itoa(n))
	return err
}

// unlock releases the advisory lock and closes the file.
func (c *counterFile) unlock() error {
	_ = unix.Flock(int(c.f.Fd()), unix.LOCK_UN)
	return c.f.Close()
}
