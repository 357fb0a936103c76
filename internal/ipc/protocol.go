// Package ipc implements the control protocol between the argosd
// daemon and local clients such as argosctl.
//
// Messages are framed with a fixed 16-byte binary header followed by a
// JSON payload. Requests carry an ID that the response echoes, so a
// client can correlate replies on a shared connection.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	// ProtocolVersion is bumped on incompatible frame changes.
	ProtocolVersion = 1

	// ProtocolMagic marks the start of every frame ("AIPC").
	ProtocolMagic = 0x41495043

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 16

	// MaxPayloadSize bounds a single frame payload.
	MaxPayloadSize = 4 * 1024 * 1024
)

// MessageType identifies the operation a frame carries.
type MessageType uint16

const (
	// Control messages (0x00xx).
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0003

	// Daemon status (0x01xx).
	MsgStatus     MessageType = 0x0100
	MsgStatusResp MessageType = 0x0101

	// Threshold control (0x02xx).
	MsgThresholdGet     MessageType = 0x0200
	MsgThresholdGetResp MessageType = 0x0201
	MsgThresholdSet     MessageType = 0x0202
	MsgThresholdSetResp MessageType = 0x0203

	// Journal queries (0x03xx).
	MsgRecent     MessageType = 0x0300
	MsgRecentResp MessageType = 0x0301

	// Pipeline control (0x04xx).
	MsgPause      MessageType = 0x0400
	MsgPauseResp  MessageType = 0x0401
	MsgResume     MessageType = 0x0402
	MsgResumeResp MessageType = 0x0403
)

// FlagJSON marks the payload as JSON. It is the only encoding today;
// the flag exists so a binary encoding can be added without a version
// bump.
const FlagJSON uint8 = 0x01

// Header is the fixed-size frame header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Write serializes the header to w in network byte order.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a frame header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %#x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Message wraps a header and its payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message frame around payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write serializes the full frame to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads one complete frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Encode marshals a payload struct to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals JSON payload bytes into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewResponse builds a response frame with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// Error codes carried in ErrorResponse.
const (
	ErrCodeUnknown        = 1
	ErrCodeInvalidRequest = 2
	ErrCodeUnavailable    = 3
	ErrCodeInternal       = 4
	ErrCodeBadValue       = 5
)

// ErrorResponse reports a failed operation.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusResponse describes a running daemon.
type StatusResponse struct {
	Version   string        `json:"version"`
	Node      string        `json:"node"`
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
	Paused    bool          `json:"paused"`

	GramSize     int     `json:"gram_size"`
	WindowMillis int64   `json:"window_millis"`
	Threshold    float64 `json:"threshold"`

	Model    ModelInfo     `json:"model"`
	Pipeline PipelineStats `json:"pipeline"`
	Journal  JournalStats  `json:"journal"`
}

// ModelInfo summarizes the loaded model artifacts.
type ModelInfo struct {
	CreatedAt  time.Time `json:"created_at"`
	Windows    int       `json:"windows"`
	Trees      int       `json:"trees"`
	Dimensions int       `json:"dimensions"`
}

// PipelineStats counts pipeline activity since startup.
type PipelineStats struct {
	WindowsProcessed  uint64    `json:"windows_processed"`
	EventsSeen        uint64    `json:"events_seen"`
	WindowsDropped    uint64    `json:"windows_dropped"`
	Alerts            uint64    `json:"alerts"`
	LastScore         float64   `json:"last_score"`
	LastFilteredScore float64   `json:"last_filtered_score"`
	LastWindowEnd     time.Time `json:"last_window_end,omitempty"`
}

// JournalStats counts persisted rows.
type JournalStats struct {
	Scores int64 `json:"scores"`
	Alerts int64 `json:"alerts"`
}

// ThresholdGetResponse carries the active alert threshold.
type ThresholdGetResponse struct {
	Threshold float64 `json:"threshold"`
}

// ThresholdSetRequest asks the daemon to change the alert threshold.
type ThresholdSetRequest struct {
	Threshold float64 `json:"threshold"`
}

// ThresholdSetResponse acknowledges a threshold change.
type ThresholdSetResponse struct {
	Threshold float64 `json:"threshold"`
	Previous  float64 `json:"previous"`
}

// RecentRequest asks for the newest journal entries.
type RecentRequest struct {
	Limit      int  `json:"limit,omitempty"`
	AlertsOnly bool `json:"alerts_only,omitempty"`
}

// RecentResponse lists journal entries, newest first.
type RecentResponse struct {
	Entries []ScoreEntry `json:"entries"`
}

// ScoreEntry is one scored window as reported over IPC.
type ScoreEntry struct {
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	Events        int       `json:"events"`
	Score         float64   `json:"score"`
	FilteredScore float64   `json:"filtered_score"`
	Threshold     float64   `json:"threshold"`
	Alert         bool      `json:"alert"`
}

// PauseResponse acknowledges a pause request.
type PauseResponse struct {
	Paused bool `json:"paused"`
}

// ResumeResponse acknowledges a resume request.
type ResumeResponse struct {
	Paused bool `json:"paused"`
}
