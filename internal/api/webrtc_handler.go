package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/ourshop/streamgate/internal/core"
)

// SdpOfferRequest is the publisher's offer, in the browser's own
// RTCSessionDescription shape.
type SdpOfferRequest struct {
	Sdp webrtc.SessionDescription `json:"sdp"`
}

// SdpAnswerResponse carries the negotiated answer back, along with the
// session status and the playback location once the transcoder is up.
type SdpAnswerResponse struct {
	Type      string    `json:"type"`
	Sdp       string    `json:"sdp"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	HlsURL    string    `json:"hls_url,omitempty"`
	StreamKey string    `json:"stream_key,omitempty"`
}

// IceCandidateRequest is one trickled client candidate or the completed
// marker ending the trickle.
type IceCandidateRequest struct {
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Completed bool                     `json:"completed,omitempty"`
}

func OfferHandler(signaler PublisherSignaler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamID, err := streamIDFromRequest(r, "streamID")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		req := &SdpOfferRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			log.Error().Err(err).Str("service", "web").Msg("can't parse offer")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result, err := signaler.HandleOffer(r.Context(), streamID, req.Sdp.SDP)
		if err != nil {
			log.Error().Err(err).Str("service", "web").Str("streamId", streamID.String()).Msg("offer failed")
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SdpAnswerResponse{
			Type:      "answer",
			Sdp:       result.SDP,
			Status:    string(result.Session.Status),
			Timestamp: time.Now().UTC(),
			HlsURL:    result.HlsURL,
			StreamKey: result.StreamKey,
		})
	}
}

func IceCandidateHandler(signaler PublisherSignaler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamID, err := streamIDFromRequest(r, "streamID")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		req := &IceCandidateRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			log.Error().Err(err).Str("service", "web").Msg("can't parse ice candidate")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Candidate == nil && !req.Completed {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		candidate := core.IceCandidate{Completed: req.Completed}
		if req.Candidate != nil {
			candidate.ICECandidateInit = *req.Candidate
		}

		if err := signaler.AddICECandidate(r.Context(), streamID, candidate); err != nil {
			log.Error().Err(err).Str("service", "web").Str("streamId", streamID.String()).Msg("can't accept ice candidate")
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func CloseHandler(signaler PublisherSignaler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamID, err := streamIDFromRequest(r, "streamID")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := signaler.ClosePublisher(r.Context(), streamID); err != nil {
			log.Error().Err(err).Str("service", "web").Str("streamId", streamID.String()).Msg("can't close publisher")
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type iceServer struct {
	URLs []string `json:"urls"`
}

type iceServersResponse struct {
	IceServers []iceServer `json:"iceServers"`
}

func IceServersHandler(stunURLs []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, iceServersResponse{
			IceServers: []iceServer{{URLs: stunURLs}},
		})
	}
}
