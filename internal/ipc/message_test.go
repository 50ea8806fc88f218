package ipc

import (
	"testing"
	"time"
)

func TestShutdownPacketWithoutNextLesson(t *testing.T) {
	data, err := NewShutdownPacket(ReasonNoUser, nil).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"packetType":"Shutdown","data":{"reason":"NoUser","nextLesson":null}}`
	if string(data) != want {
		t.Fatalf("Encode() = %s, want %s", data, want)
	}
}

func TestLogoffAndAfkEncoding(t *testing.T) {
	logoff, err := NewLogoffPacket().Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(logoff) != `{"packetType":"Logoff","data":{}}` {
		t.Fatalf("logoff = %s", logoff)
	}

	afk, err := NewAfkPacket(900).Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(afk) != `{"packetType":"Afk","data":{"timeout":900}}` {
		t.Fatalf("afk = %s", afk)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	next := time.Date(2026, 3, 16, 13, 5, 0, 0, time.Local)
	line, err := NewShutdownPacket(ReasonLessonsOver, &next).Encode()
	if err != nil {
		t.Fatal(err)
	}

	env, err := DecodeEnvelope(line)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	d, err := env.Shutdown()
	if err != nil {
		t.Fatalf("Shutdown(): %v", err)
	}
	if d.Reason != ReasonLessonsOver || d.NextLesson == nil || *d.NextLesson != "13:05" {
		t.Fatalf("unexpected shutdown data: %+v", d)
	}
	if _, err := env.Afk(); err == nil {
		t.Fatal("Afk() on a Shutdown envelope should fail")
	}
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"packetType":"Reboot","data":{}}`)); err == nil {
		t.Fatal("expected error for unknown packet type")
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed line")
	}
}
