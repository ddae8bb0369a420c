package router

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestParseBuildEnvelopeRoundTrip(t *testing.T) {
	createTime := time.Unix(1700000000, 0)
	timeout := time.Unix(1700000010, 0)

	createB := make([]byte, 8)
	binary.BigEndian.PutUint64(createB, uint64(createTime.Unix()))
	timeoutB := make([]byte, 8)
	binary.BigEndian.PutUint64(timeoutB, uint64(timeout.Unix()))

	frames := [][]byte{
		{0x01, 0x02}, // client prefix
		{},           // delimiter
		createB,
		[]byte("msg-1"),
		timeoutB,
		{0},
		[]byte("payload-1"),
	}

	env, ok := parseEnvelope(frames)
	if !ok {
		t.Fatalf("parseEnvelope failed to parse a well-formed envelope")
	}
	if env.service {
		t.Fatalf("service flag should be false")
	}
	if string(env.msgID) != "msg-1" {
		t.Fatalf("msgID = %q, want msg-1", env.msgID)
	}
	if len(env.payloads) != 1 || string(env.payloads[0]) != "payload-1" {
		t.Fatalf("payloads = %v, want [payload-1]", env.payloads)
	}

	rebuilt := buildEnvelope(env, env.payloads)
	reparsed, ok := parseEnvelope(rebuilt)
	if !ok {
		t.Fatalf("re-parsing a rebuilt envelope failed")
	}
	if string(reparsed.msgID) != "msg-1" || len(reparsed.payloads) != 1 {
		t.Fatalf("round-tripped envelope lost data: %+v", reparsed)
	}
}

func TestParseEnvelopeServiceFlag(t *testing.T) {
	createB := make([]byte, 8)
	timeoutB := make([]byte, 8)
	frames := [][]byte{
		{}, // no client prefix, just the delimiter
		createB,
		[]byte("msg-2"),
		timeoutB,
		{1}, // service flag set
		[]byte("ping"),
	}
	env, ok := parseEnvelope(frames)
	if !ok {
		t.Fatalf("parseEnvelope failed")
	}
	if !env.service {
		t.Fatalf("expected the service flag to be set")
	}
}

func TestParseEnvelopeRejectsTruncatedFrames(t *testing.T) {
	_, ok := parseEnvelope([][]byte{{}, {1, 2, 3}})
	if ok {
		t.Fatalf("a truncated envelope should fail to parse")
	}
}
