package eventbus

import (
	"encoding/json"
	"time"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	StreamLiveMethod   Method = "stream_live"
	StreamEndedMethod  Method = "stream_ended"
	StreamFailedMethod Method = "stream_failed"
)

type Notification interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type StreamEventParams struct {
	StreamID  string    `json:"stream_id"`
	StreamKey string    `json:"stream_key,omitempty"`
	HlsURL    string    `json:"hls_url,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type StreamEventNotification struct {
	jsonRpcHead
	Params StreamEventParams `json:"params"`
}

func NewStreamLiveNotification(streamID, streamKey, hlsURL string) *StreamEventNotification {
	return &StreamEventNotification{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  StreamLiveMethod,
		},
		Params: StreamEventParams{
			StreamID:  streamID,
			StreamKey: streamKey,
			HlsURL:    hlsURL,
			At:        time.Now().UTC(),
		},
	}
}

func NewStreamEndedNotification(streamID string) *StreamEventNotification {
	return &StreamEventNotification{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  StreamEndedMethod,
		},
		Params: StreamEventParams{
			StreamID: streamID,
			At:       time.Now().UTC(),
		},
	}
}

func NewStreamFailedNotification(streamID, reason string) *StreamEventNotification {
	return &StreamEventNotification{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  StreamFailedMethod,
		},
		Params: StreamEventParams{
			StreamID: streamID,
			Reason:   reason,
			At:       time.Now().UTC(),
		},
	}
}

func (n StreamEventNotification) GetMethod() Method {
	return n.Method
}

func (n StreamEventNotification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}
