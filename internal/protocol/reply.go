// Package protocol implements the Archon wire grammar: reply framing, the
// outstanding-command tracker, and the 8-bit command id pool. It is pure
// and side-effect-free except for Command's timer, which belongs to the
// caller's runtime rather than the network.
package protocol

import (
	"strconv"
	"strings"

	"github.com/archonctl/goarchon/internal/archonerr"
)

// ReplyKind classifies a parsed reply frame.
type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyErr
	ReplyBinary
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyOK:
		return "OK"
	case ReplyErr:
		return "ERR"
	case ReplyBinary:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// BinaryPayloadSize is the fixed length of a binary reply chunk's payload.
const BinaryPayloadSize = 1024

// Reply is one frame received from the device.
type Reply struct {
	Kind      ReplyKind
	CommandID uint8
	Text      string
	Binary    []byte
}

// ParseReply classifies a raw frame against the grammar
// ^[<|?]([0-9A-F]{2})(:?)(.*)\n?$ and extracts the command id.
//
// A leading '|' is reserved/intermediate and treated as success-like. The
// two hex digits are case-insensitive on input. If a ':' follows the id,
// the remainder must be exactly BinaryPayloadSize raw bytes and the frame
// does not end in '\n'; otherwise the remainder is text terminated by '\n',
// with the newline and surrounding whitespace stripped.
func ParseReply(frame []byte) (Reply, error) {
	if len(frame) < 3 {
		return Reply{}, archonerr.New(archonerr.ProtocolParse, "frame too short: %d bytes", len(frame))
	}

	lead := frame[0]
	var kind ReplyKind
	switch lead {
	case '<', '|':
		kind = ReplyOK
	case '?':
		kind = ReplyErr
	default:
		return Reply{}, archonerr.New(archonerr.ProtocolParse, "unrecognized leading byte %q", lead)
	}

	idHex := frame[1:3]
	if !isHexDigit(idHex[0]) || !isHexDigit(idHex[1]) {
		return Reply{}, archonerr.New(archonerr.ProtocolParse, "malformed command id %q", idHex)
	}
	id, err := strconv.ParseUint(strings.ToUpper(string(idHex)), 16, 8)
	if err != nil {
		return Reply{}, archonerr.Wrap(archonerr.ProtocolParse, err, "parsing command id %q", idHex)
	}

	rest := frame[3:]
	if len(rest) > 0 && rest[0] == ':' {
		body := rest[1:]
		if len(body) != BinaryPayloadSize {
			return Reply{}, archonerr.New(archonerr.ProtocolParse,
				"binary payload must be %d bytes, got %d", BinaryPayloadSize, len(body))
		}
		payload := make([]byte, BinaryPayloadSize)
		copy(payload, body)
		return Reply{Kind: ReplyBinary, CommandID: uint8(id), Binary: payload}, nil
	}

	text := strings.TrimSuffix(string(rest), "\n")
	text = strings.TrimSpace(text)
	return Reply{Kind: kind, CommandID: uint8(id), Text: text}, nil
}

// Serialize renders a reply back to wire form. It is used to verify the
// parser's round-trip property in tests; text replies are normalized
// modulo trailing whitespace, matching ParseReply's own stripping.
func (r Reply) Serialize() []byte {
	lead := byte('<')
	if r.Kind == ReplyErr {
		lead = '?'
	}
	hdr := string(lead) + hexID(r.CommandID)

	if r.Kind == ReplyBinary {
		out := make([]byte, 0, len(hdr)+1+len(r.Binary))
		out = append(out, hdr...)
		out = append(out, ':')
		out = append(out, r.Binary...)
		return out
	}

	return []byte(hdr + r.Text + "\n")
}

func hexID(id uint8) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[id>>4], digits[id&0xF]})
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'F') || (b >= 'a' && b <= 'f')
}
