package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/ourshop/streamgate/internal/core"
)

type StreamCreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type StreamDetailsResponse struct {
	*core.StreamMeta
	Sessions []*core.StreamSession `json:"sessions,omitempty"`
}

func StreamCreateHandler(streams core.StreamsDBStorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &StreamCreateRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			log.Error().Err(err).Str("service", "web").Msg("can't parse stream")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Title == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}

		meta, err := streams.Create(req.Title, req.Description)
		if err != nil {
			log.Error().Err(err).Str("service", "web").Msg("can't create stream")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, meta)
	}
}

func StreamListHandler(streams core.StreamsDBStorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

		result, err := streams.GetAll(page, perPage)
		if err != nil {
			log.Error().Err(err).Str("service", "web").Msg("can't list streams")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func StreamGetHandler(streams core.StreamsDBStorer, sessions core.StreamSessionsDBStorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := streamIDFromRequest(r, "id")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		meta, err := streams.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}

		details := &StreamDetailsResponse{StreamMeta: meta}
		if history, err := sessions.FindByStreamID(id); err == nil {
			details.Sessions = history
		} else {
			log.Warn().Err(err).Str("service", "web").Str("streamId", id.String()).Msg("can't load session history")
		}

		writeJSON(w, http.StatusOK, details)
	}
}
