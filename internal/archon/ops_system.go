package archon

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/archonctl/goarchon/internal/archonerr"
	"github.com/archonctl/goarchon/internal/protocol"
)

var modTypeKeyPattern = regexp.MustCompile(`^MOD(\d{1,2})_TYPE$`)

// GetSystem sends SYSTEM and parses the single reply as whitespace-separated
// KEY=VALUE pairs, lowercasing keys. For every MODn_TYPE key it adds a
// synthetic modn_name entry holding the module type's symbolic name.
func (d *Device) GetSystem(ctx context.Context) (map[string]string, error) {
	cmd, err := d.SendCommandWait(ctx, "SYSTEM", 1, time.Second)
	if err != nil {
		return nil, err
	}
	text := soleReplyText(cmd)

	out := make(map[string]string)
	synthetic := make(map[string]string)
	for _, pair := range strings.Fields(text) {
		key, value, ok := splitKV(pair)
		if !ok {
			continue
		}
		upperKey := strings.ToUpper(key)
		out[strings.ToLower(key)] = value
		if m := modTypeKeyPattern.FindStringSubmatch(upperKey); m != nil {
			if code, err := strconv.Atoi(value); err == nil {
				synthetic["mod"+m[1]+"_name"] = ModTypeName(code)
			}
		}
	}
	for k, v := range synthetic {
		out[k] = v
	}
	return out, nil
}

// GetStatus sends STATUS and parses KEY=VALUE pairs. Each value is an
// int64 if it parses as a signed decimal integer, otherwise a float64.
func (d *Device) GetStatus(ctx context.Context) (map[string]any, error) {
	cmd, err := d.SendCommandWait(ctx, "STATUS", 1, defaultCommandTimeout)
	if err != nil {
		return nil, err
	}
	text := soleReplyText(cmd)

	out := make(map[string]any)
	for _, pair := range strings.Fields(text) {
		key, value, ok := splitKV(pair)
		if !ok {
			continue
		}
		key = strings.ToLower(key)
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			out[key] = n
			continue
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, archonerr.Wrap(archonerr.DeviceCmdFailed, err, "STATUS value %q for key %q is neither int nor float", value, key)
		}
		out[key] = f
	}
	return out, nil
}

// GetFrame sends FRAME and parses KEY=VALUE pairs as decimal integers,
// except keys containing "TIME", which are hex-encoded.
func (d *Device) GetFrame(ctx context.Context) (map[string]int64, error) {
	cmd, err := d.SendCommandWait(ctx, "FRAME", 1, defaultCommandTimeout)
	if err != nil {
		return nil, err
	}
	text := soleReplyText(cmd)

	out := make(map[string]int64)
	for _, pair := range strings.Fields(text) {
		key, value, ok := splitKV(pair)
		if !ok {
			continue
		}
		lower := strings.ToLower(key)
		base := 10
		if strings.Contains(strings.ToUpper(key), "TIME") {
			base = 16
		}
		n, err := strconv.ParseInt(value, base, 64)
		if err != nil {
			return nil, archonerr.Wrap(archonerr.DeviceCmdFailed, err, "FRAME value %q for key %q", value, key)
		}
		out[lower] = n
	}
	return out, nil
}

func splitKV(pair string) (key, value string, ok bool) {
	idx := strings.IndexByte(pair, '=')
	if idx < 0 {
		return "", "", false
	}
	return pair[:idx], pair[idx+1:], true
}

func soleReplyText(cmd *protocol.Command) string {
	replies := cmd.Replies()
	if len(replies) == 0 {
		return ""
	}
	return replies[0].Text
}
