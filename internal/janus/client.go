// Package janus implements the HTTP signaling API of a Janus-style SFU:
// session and handle lifecycle, publishing, RTP forwarding, trickle ICE and
// long-polled event retrieval.
package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ourshop/streamgate/internal/core"
)

// ErrProtocol means the SFU returned an error envelope or a response the
// client could not use.
var ErrProtocol = errors.New("sfu protocol error")

const (
	defaultTimeout = 30 * time.Second

	// Long-poll bounds: the local wait never goes below pollFloor, the
	// server-side wait is expressed in whole seconds and never below 1s.
	pollFloor = 250 * time.Millisecond
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	adminKey   string
}

// NewClient builds a client for the SFU at baseURL. A trailing "/janus" path
// segment is tolerated and stripped. Timeout bounds every synchronous call;
// zero means the 30s default.
func NewClient(baseURL string, timeout time.Duration, adminKey string) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{},
		baseURL:    normalizeBaseURL(baseURL),
		timeout:    timeout,
		adminKey:   adminKey,
	}
}

type request struct {
	Janus       string      `json:"janus"`
	Transaction string      `json:"transaction"`
	Plugin      string      `json:"plugin,omitempty"`
	Body        interface{} `json:"body,omitempty"`
	Jsep        *Jsep       `json:"jsep,omitempty"`
	Candidate   interface{} `json:"candidate,omitempty"`
}

// CreateSession creates an SFU session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (int64, error) {
	event, err := c.post(ctx, "/janus", &request{Janus: "create", Transaction: tx()})
	if err != nil {
		return 0, err
	}
	if event.Data == nil || event.Data.ID <= 0 {
		return 0, fmt.Errorf("%w: invalid session id", ErrProtocol)
	}

	return event.Data.ID, nil
}

// Attach attaches a plugin to the session and returns the handle id.
func (c *Client) Attach(ctx context.Context, sessionID int64, plugin string) (int64, error) {
	event, err := c.post(ctx, sessionPath(sessionID), &request{
		Janus:       "attach",
		Plugin:      plugin,
		Transaction: tx(),
	})
	if err != nil {
		return 0, err
	}
	if event.Data == nil || event.Data.ID <= 0 {
		return 0, fmt.Errorf("%w: invalid handle id", ErrProtocol)
	}

	return event.Data.ID, nil
}

// Publish sends joinandconfigure with the JSEP offer for a publisher. The
// answer does not come back here: it arrives asynchronously via polling.
func (c *Client) Publish(ctx context.Context, sessionID, handleID, roomID int64, roomSecret, offer string) error {
	body := map[string]interface{}{
		"request": "joinandconfigure",
		"ptype":   "publisher",
		"room":    roomID,
		"display": "broadcaster",
	}
	if roomSecret != "" {
		body["secret"] = roomSecret
	}

	_, err := c.post(ctx, handlePath(sessionID, handleID), &request{
		Janus:       "message",
		Transaction: tx(),
		Body:        body,
		Jsep:        &Jsep{Type: "offer", SDP: offer},
	})

	return err
}

// RTPForward asks the videoroom plugin to relay the publisher's decoded RTP
// to the given host and UDP ports.
func (c *Client) RTPForward(ctx context.Context, sessionID, handleID, roomID, publisherID int64, roomSecret, host string, audioPort, videoPort int) (*Event, error) {
	return c.rtpForward(ctx, "rtp_forward", sessionID, handleID, roomID, publisherID, roomSecret, host, audioPort, videoPort)
}

// StopRTPForward cancels a previously requested relay.
func (c *Client) StopRTPForward(ctx context.Context, sessionID, handleID, roomID, publisherID int64, roomSecret, host string, audioPort, videoPort int) (*Event, error) {
	return c.rtpForward(ctx, "stop_rtp_forward", sessionID, handleID, roomID, publisherID, roomSecret, host, audioPort, videoPort)
}

func (c *Client) rtpForward(ctx context.Context, reqName string, sessionID, handleID, roomID, publisherID int64, roomSecret, host string, audioPort, videoPort int) (*Event, error) {
	if publisherID <= 0 {
		return nil, fmt.Errorf("%w: publisher id must be positive", core.ErrInvalidArgument)
	}
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("%w: host is required", core.ErrInvalidArgument)
	}

	body := map[string]interface{}{
		"request":      reqName,
		"room":         roomID,
		"publisher_id": publisherID,
		"host":         host,
	}
	if c.adminKey != "" {
		body["admin_key"] = c.adminKey
	}
	if roomSecret != "" {
		body["secret"] = roomSecret
	}
	if audioPort > 0 {
		body["audio_port"] = audioPort
	}
	if videoPort > 0 {
		body["video_port"] = videoPort
	}

	return c.post(ctx, handlePath(sessionID, handleID), &request{
		Janus:       "message",
		Transaction: tx(),
		Body:        body,
	})
}

// PollEventOnce performs one bounded long-poll for the session and returns
// at most one event. The SFU expects the timeout query parameter in whole
// seconds.
func (c *Client) PollEventOnce(ctx context.Context, sessionID int64, timeout time.Duration) (*Event, error) {
	if timeout < pollFloor {
		timeout = pollFloor
	}
	timeoutSeconds := int64(timeout / time.Second)
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query := url.Values{}
	query.Set("rid", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query.Set("maxev", "1")
	query.Set("timeout", strconv.FormatInt(timeoutSeconds, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+sessionPath(sessionID)+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

// Trickle relays one client ICE message to the handle: either a candidate or
// the completed marker.
func (c *Client) Trickle(ctx context.Context, sessionID, handleID int64, candidate core.IceCandidate) error {
	var payload interface{}
	if candidate.Completed {
		payload = map[string]bool{"completed": true}
	} else {
		payload = candidate.ICECandidateInit
	}

	_, err := c.post(ctx, handlePath(sessionID, handleID), &request{
		Janus:       "trickle",
		Transaction: tx(),
		Candidate:   payload,
	})

	return err
}

// Detach releases the plugin handle.
func (c *Client) Detach(ctx context.Context, sessionID, handleID int64) error {
	_, err := c.post(ctx, handlePath(sessionID, handleID), &request{Janus: "detach", Transaction: tx()})
	return err
}

// DestroySession tears down the SFU session and everything attached to it.
func (c *Client) DestroySession(ctx context.Context, sessionID int64) error {
	_, err := c.post(ctx, sessionPath(sessionID), &request{Janus: "destroy", Transaction: tx()})
	return err
}

// KeepAlive refreshes the session so the SFU does not reap it. Call it well
// under the SFU's session timeout (60s by default).
func (c *Client) KeepAlive(ctx context.Context, sessionID int64) error {
	_, err := c.post(ctx, sessionPath(sessionID), &request{Janus: "keepalive", Transaction: tx()})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload *request) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Event, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrProtocol, resp.StatusCode)
	}

	event := &Event{}
	if err := json.NewDecoder(resp.Body).Decode(event); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrProtocol, err)
	}
	if event.Janus == "" {
		return nil, fmt.Errorf("%w: empty response", ErrProtocol)
	}
	// Err covers both the root error envelope and plugin-level errors
	// riding inside a success reply.
	if err := event.Err(); err != nil {
		log.Debug().Err(err).Str("service", "janus").Msg("error envelope")
		return nil, err
	}

	return event, nil
}

func sessionPath(sessionID int64) string {
	return "/janus/" + strconv.FormatInt(sessionID, 10)
}

func handlePath(sessionID, handleID int64) string {
	return sessionPath(sessionID) + "/" + strconv.FormatInt(handleID, 10)
}

func tx() string {
	return uuid.NewString()
}

func normalizeBaseURL(baseURL string) string {
	u := strings.TrimSpace(baseURL)
	if u == "" {
		u = "http://localhost:8088"
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, "/janus")
	return u
}
