package protomq

import (
	"strings"
	"testing"
)

func newParseSession() *session {
	ses := &session{}
	ses.packet.vh = make([]byte, 0, 512)
	ses.packet.payload = make([]byte, 0, 512)
	return ses
}

// A fifth remaining-length continuation byte is malformed.
func TestRemainingLengthFiveBytesMalformed(t *testing.T) {
	s := newTestRouter()
	ses := newParseSession()

	rx := []byte{0x10, 0x80, 0x80, 0x80, 0x80, 0x01}
	err := s.parseStream(ses, rx)
	if err == nil || !strings.Contains(err.Error(), "remaining length") {
		t.Fatalf("expected malformed remaining length, got %v", err)
	}
}

func TestFirstPacketMustBeConnect(t *testing.T) {
	s := newTestRouter()
	ses := newParseSession()

	err := s.parseStream(ses, []byte{0x30, 0x00})
	if err == nil || !strings.Contains(err.Error(), "first packet not CONNECT") {
		t.Fatalf("expected first-packet violation, got %v", err)
	}
}

func TestInvalidSubscribeFlags(t *testing.T) {
	s := newTestRouter()
	ses := newParseSession()
	ses.connectSent = true

	err := s.parseStream(ses, []byte{0x80, 0x00}) // SUBSCRIBE with flags 0000
	if err == nil || !strings.Contains(err.Error(), "SUBSCRIBE") {
		t.Fatalf("expected SUBSCRIBE flags violation, got %v", err)
	}
}

func TestPublishQoS3Malformed(t *testing.T) {
	s := newTestRouter()
	ses := newParseSession()
	ses.connectSent = true

	err := s.parseStream(ses, []byte{0x36, 0x00})
	if err == nil || !strings.Contains(err.Error(), "QoS3") {
		t.Fatalf("expected QoS3 violation, got %v", err)
	}
}

func TestDisconnectReturnsCleanExit(t *testing.T) {
	s := newTestRouter()
	ses := newParseSession()
	ses.connectSent = true

	if err := s.parseStream(ses, []byte{0xE0, 0x00}); err != errCleanExit {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestCheckUTF8(t *testing.T) {
	if err := checkUTF8([]byte("plain/topic"), true); err != nil {
		t.Fatal("valid topic rejected:", err)
	}
	if err := checkUTF8([]byte{'a', 0x00, 'b'}, false); err == nil {
		t.Fatal("NUL byte accepted")
	}
	if err := checkUTF8([]byte("has/+/wildcard"), true); err == nil {
		t.Fatal("wildcard accepted in topic name")
	}
	if err := checkUTF8([]byte("has/+/wildcard"), false); err != nil {
		t.Fatal("wildcard rejected in topic filter:", err)
	}
}
