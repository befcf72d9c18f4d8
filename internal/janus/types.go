package janus

import (
	"fmt"

	"github.com/ourshop/streamgate/internal/core"
)

// VideoRoomPlugin is the SFU plugin every publisher handle attaches to.
const VideoRoomPlugin = "janus.plugin.videoroom"

// Event is one envelope from the SFU, either the synchronous reply to a
// request or an asynchronous long-polled event. The same multiplexed shape
// carries answers, trickled candidates and errors; EventKind discriminates.
type Event struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	Sender      int64           `json:"sender,omitempty"`
	Session     int64           `json:"session_id,omitempty"`
	Data        *EventData      `json:"data,omitempty"`
	Error       *EventError     `json:"error,omitempty"`
	Jsep        *Jsep           `json:"jsep,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	Candidate   *EventCandidate `json:"candidate,omitempty"`
}

type EventData struct {
	ID int64 `json:"id"`
}

type EventError struct {
	Code   int64  `json:"code"`
	Reason string `json:"reason"`
}

type Jsep struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   PluginEventData `json:"data"`
}

type PluginEventData struct {
	VideoRoom string `json:"videoroom,omitempty"`
	ID        int64  `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int64  `json:"error_code,omitempty"`
}

// EventCandidate is the wire shape of a trickled remote candidate.
type EventCandidate struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Completed     bool    `json:"completed,omitempty"`
}

type EventKind int

const (
	// EventOther is an event the orchestrator ignores (acks, webrtcup,
	// media notifications).
	EventOther EventKind = iota
	// EventTrickle carries one remote ICE candidate.
	EventTrickle
	// EventAnswer carries the JSEP SDP answer.
	EventAnswer
	// EventFailure carries a protocol- or plugin-level error payload.
	EventFailure
)

// Kind classifies the multiplexed event for dispatch.
func (e *Event) Kind() EventKind {
	if e.errText() != "" {
		return EventFailure
	}
	if e.Janus == "trickle" {
		return EventTrickle
	}
	if e.Jsep != nil && e.Jsep.SDP != "" {
		return EventAnswer
	}
	return EventOther
}

// FromHandle reports whether the event was emitted by the given plugin handle.
func (e *Event) FromHandle(handleID int64) bool {
	return e.Sender == handleID
}

// RemoteCandidate converts a trickle event into an IceCandidate. The second
// return is false for trickle events with no usable payload.
func (e *Event) RemoteCandidate() (core.IceCandidate, bool) {
	if e.Candidate == nil {
		return core.IceCandidate{}, false
	}
	if !e.Candidate.Completed && e.Candidate.Candidate == "" {
		return core.IceCandidate{}, false
	}

	c := core.IceCandidate{Completed: e.Candidate.Completed}
	c.Candidate = e.Candidate.Candidate
	c.SDPMid = e.Candidate.SDPMid
	c.SDPMLineIndex = e.Candidate.SDPMLineIndex

	return c, true
}

// Err surfaces the error payload of an EventFailure event, wrapped in
// ErrProtocol. Plugin-level errors ("No such room", "Unauthorized") take
// precedence over the root envelope error.
func (e *Event) Err() error {
	text := e.errText()
	if text == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrProtocol, text)
}

// PublisherID extracts the SFU-assigned publisher id from the plugin event
// payload, zero when absent.
func (e *Event) PublisherID() int64 {
	if e.PluginData == nil {
		return 0
	}
	return e.PluginData.Data.ID
}

func (e *Event) errText() string {
	if e.PluginData != nil && e.PluginData.Data.Error != "" {
		if e.PluginData.Data.ErrorCode > 0 {
			return fmt.Sprintf("videoroom error (%d): %s", e.PluginData.Data.ErrorCode, e.PluginData.Data.Error)
		}
		return "videoroom error: " + e.PluginData.Data.Error
	}
	if e.Janus == "error" || e.Error != nil {
		if e.Error == nil {
			return "unknown error"
		}
		if e.Error.Code > 0 {
			return fmt.Sprintf("error (%d): %s", e.Error.Code, e.Error.Reason)
		}
		return "error: " + e.Error.Reason
	}
	return ""
}
