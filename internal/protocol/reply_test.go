package protocol

import (
	"bytes"
	"testing"

	"github.com/archonctl/goarchon/internal/archonerr"
)

func TestParseReplyTextSuccess(t *testing.T) {
	reply, err := ParseReply([]byte("<01KEY1=1 KEY2=-2.1\n"))
	if err != nil {
		t.Fatalf("ParseReply returned error: %v", err)
	}
	if reply.Kind != ReplyOK {
		t.Fatalf("kind = %v, want ReplyOK", reply.Kind)
	}
	if reply.CommandID != 0x01 {
		t.Fatalf("command id = %#x, want 0x01", reply.CommandID)
	}
	if reply.Text != "KEY1=1 KEY2=-2.1" {
		t.Fatalf("text = %q", reply.Text)
	}
}

func TestParseReplyError(t *testing.T) {
	reply, err := ParseReply([]byte("?01\n"))
	if err != nil {
		t.Fatalf("ParseReply returned error: %v", err)
	}
	if reply.Kind != ReplyErr {
		t.Fatalf("kind = %v, want ReplyErr", reply.Kind)
	}
}

func TestParseReplyBinary(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB}, BinaryPayloadSize)
	frame := append([]byte("<01:"), body...)

	reply, err := ParseReply(frame)
	if err != nil {
		t.Fatalf("ParseReply returned error: %v", err)
	}
	if reply.Kind != ReplyBinary {
		t.Fatalf("kind = %v, want ReplyBinary", reply.Kind)
	}
	if len(reply.Binary) != BinaryPayloadSize {
		t.Fatalf("binary payload length = %d, want %d", len(reply.Binary), BinaryPayloadSize)
	}
}

func TestParseReplyBinaryWrongLength(t *testing.T) {
	frame := append([]byte("<01:"), make([]byte, BinaryPayloadSize-1)...)
	if _, err := ParseReply(frame); !archonerr.Is(err, archonerr.ProtocolParse) {
		t.Fatalf("expected PROTOCOL_PARSE, got %v", err)
	}
}

func TestParseReplyMalformedLeadByte(t *testing.T) {
	if _, err := ParseReply([]byte("X01\n")); !archonerr.Is(err, archonerr.ProtocolParse) {
		t.Fatalf("expected PROTOCOL_PARSE, got %v", err)
	}
}

func TestParseReplyReservedLeadByteIsSuccessLike(t *testing.T) {
	reply, err := ParseReply([]byte("|0Ahello\n"))
	if err != nil {
		t.Fatalf("ParseReply returned error: %v", err)
	}
	if reply.Kind != ReplyOK {
		t.Fatalf("kind = %v, want ReplyOK for reserved '|' lead byte", reply.Kind)
	}
}

func TestParseReplyLowercaseHexID(t *testing.T) {
	reply, err := ParseReply([]byte("<afOK\n"))
	if err != nil {
		t.Fatalf("ParseReply returned error: %v", err)
	}
	if reply.CommandID != 0xAF {
		t.Fatalf("command id = %#x, want 0xAF", reply.CommandID)
	}
}

func TestRoundTripTextReply(t *testing.T) {
	frame := []byte("<3FHELLO WORLD\n")
	reply, err := ParseReply(frame)
	if err != nil {
		t.Fatalf("ParseReply returned error: %v", err)
	}
	if !bytes.Equal(reply.Serialize(), frame) {
		t.Fatalf("round trip mismatch: got %q want %q", reply.Serialize(), frame)
	}
}

func TestRoundTripBinaryReply(t *testing.T) {
	body := bytes.Repeat([]byte{0x07}, BinaryPayloadSize)
	frame := append([]byte("<01:"), body...)
	reply, err := ParseReply(frame)
	if err != nil {
		t.Fatalf("ParseReply returned error: %v", err)
	}
	if !bytes.Equal(reply.Serialize(), frame) {
		t.Fatalf("binary round trip mismatch")
	}
}
