package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// PacketType tags the payload of a server→companion packet.
type PacketType string

const (
	TypeShutdown PacketType = "Shutdown"
	TypeLogoff   PacketType = "Logoff"
	TypeAfk      PacketType = "Afk"
)

// ShutdownReason says why a shutdown directive was issued.
type ShutdownReason string

const (
	ReasonLessonsOver ShutdownReason = "LessonsOver"
	ReasonNoUser      ShutdownReason = "NoUser"
)

// HeartbeatLine is the liveness token a companion sends every few seconds.
const HeartbeatLine = "HEARTBEAT"

// MaxLineSize bounds a single line in either direction.
const MaxLineSize = 64 * 1024

// NextLessonLayout is the local wall-clock format of ShutdownData.NextLesson.
const NextLessonLayout = "15:04"

// Packet is the wire-format wrapper for every server→companion message.
type Packet struct {
	Type PacketType `json:"packetType"`
	Data any        `json:"data"`
}

// ShutdownData asks the companion to warn the user and power down.
type ShutdownData struct {
	Reason     ShutdownReason `json:"reason"`
	NextLesson *string        `json:"nextLesson"`
}

// LogoffData asks the companion to sign the user out.
type LogoffData struct{}

// AfkData enables the companion's idle detection.
type AfkData struct {
	Timeout int `json:"timeout"`
}

// NewShutdownPacket builds a Shutdown packet. next is formatted in local
// time; nil leaves nextLesson null.
func NewShutdownPacket(reason ShutdownReason, next *time.Time) Packet {
	data := ShutdownData{Reason: reason}
	if next != nil {
		s := next.Local().Format(NextLessonLayout)
		data.NextLesson = &s
	}
	return Packet{Type: TypeShutdown, Data: data}
}

func NewLogoffPacket() Packet {
	return Packet{Type: TypeLogoff, Data: LogoffData{}}
}

// NewAfkPacket builds an Afk packet with the idle timeout in seconds.
func NewAfkPacket(timeoutSeconds int) Packet {
	return Packet{Type: TypeAfk, Data: AfkData{Timeout: timeoutSeconds}}
}

// Encode serializes the packet as a single JSON line without the trailing
// newline.
func (p Packet) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal packet: %w", err)
	}
	if len(data) > MaxLineSize {
		return nil, fmt.Errorf("ipc: packet too large: %d > %d", len(data), MaxLineSize)
	}
	return data, nil
}

// Envelope is a received packet whose data has not been decoded yet.
type Envelope struct {
	Type PacketType      `json:"packetType"`
	Data json.RawMessage `json:"data"`
}

// DecodeEnvelope parses one server→companion line.
func DecodeEnvelope(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("ipc: decode packet: %w", err)
	}
	switch env.Type {
	case TypeShutdown, TypeLogoff, TypeAfk:
	default:
		return nil, fmt.Errorf("ipc: unknown packet type %q", env.Type)
	}
	return &env, nil
}

// Shutdown decodes the data of a Shutdown envelope.
func (e *Envelope) Shutdown() (ShutdownData, error) {
	var d ShutdownData
	if e.Type != TypeShutdown {
		return d, fmt.Errorf("ipc: envelope is %s, not Shutdown", e.Type)
	}
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// Afk decodes the data of an Afk envelope.
func (e *Envelope) Afk() (AfkData, error) {
	var d AfkData
	if e.Type != TypeAfk {
		return d, fmt.Errorf("ipc: envelope is %s, not Afk", e.Type)
	}
	err := json.Unmarshal(e.Data, &d)
	return d, err
}
