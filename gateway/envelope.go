// Package gateway implements the WebSocket transport session that carries
// encoded audio (and auxiliary vital-sign and text messages) to the analysis
// gateway as JSON-enveloped text frames.
package gateway

import (
	"net/url"
	"strings"
	"time"
)

// Message types accepted by the gateway.
const (
	TypeAudio  = "audio"
	TypeVideo  = "video"
	TypeVitals = "vital"
	TypeText   = "text"
)

// Envelope is the wire unit for every outbound message: a type tag and a
// type-specific payload, serialized as a single JSON text frame.
type Envelope struct {
	MessageType string `json:"message_type"`
	Payload     any    `json:"payload"`
}

// AudioPayload carries one ADTS-framed AAC chunk. Data is the base64 of the
// complete ADTS frame; Size is its raw byte length before encoding.
type AudioPayload struct {
	Timestamp  string `json:"timestamp"`
	ChunkIndex int64  `json:"chunk_index"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Data       string `json:"data"`
	Size       int    `json:"size"`
}

// VideoPayload carries one encoded video access unit for the preview feed.
type VideoPayload struct {
	Timestamp  string `json:"timestamp"`
	FrameIndex int64  `json:"frame_index"`
	Codec      string `json:"codec"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Data       string `json:"data"`
	Size       int    `json:"size"`
}

// Vitals is a periodic vital-signs sample forwarded alongside the media
// streams. Timestamp is filled in by the session at send time.
type Vitals struct {
	Timestamp      string  `json:"timestamp"`
	HeartRate      float64 `json:"heart_rate"`
	BreathRate     float64 `json:"breath_rate"`
	BreathAmp      float64 `json:"breath_amp"`
	Confidence     float64 `json:"conf"`
	InitStat       int     `json:"init_stat"`
	PresenceStatus int     `json:"presence_status"`
}

// ChatMessage is one turn in a text payload's message history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextPayload triggers an analysis round on the gateway.
type TextPayload struct {
	UserID            string         `json:"user_id"`
	Messages          []ChatMessage  `json:"messages"`
	PrepData          map[string]any `json:"prep_data,omitempty"`
	SnapshotWindowSec float64        `json:"snapshot_window_sec,omitempty"`
	IsLast            bool           `json:"is_last"`
}

// isoFormat matches the gateway's expected ISO-8601 UTC layout with
// microsecond precision.
const isoFormat = "2006-01-02T15:04:05.000000Z"

// NowISO returns the current UTC time in the gateway's timestamp format.
func NowISO() string {
	return time.Now().UTC().Format(isoFormat)
}

// CleanString strips embedded newlines from a string destined for a JSON
// payload. Control characters in user-supplied text would otherwise break
// line-oriented consumers on the gateway side.
func CleanString(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

// BuildURL appends the bearer token to the gateway WebSocket URL as a
// token= query parameter, unless the URL already carries one or the token
// is empty.
func BuildURL(base, token string) (string, error) {
	if token == "" {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("token") != "" {
		return base, nil
	}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
