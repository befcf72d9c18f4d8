// Package api exposes the gateway's HTTP surface: stream management,
// WebRTC signaling, HLS playback and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ourshop/streamgate/internal/core"
	"github.com/ourshop/streamgate/internal/janus"
	"github.com/ourshop/streamgate/internal/signaling"
)

// PublisherSignaler is the slice of the orchestrator the handlers need.
type PublisherSignaler interface {
	HandleOffer(ctx context.Context, streamID uuid.UUID, offer string) (*signaling.AnswerResult, error)
	AddICECandidate(ctx context.Context, streamID uuid.UUID, candidate core.IceCandidate) error
	ClosePublisher(ctx context.Context, streamID uuid.UUID) error
}

// HlsResolver resolves a playback file name to a local path, confined to the
// stream's output directory.
type HlsResolver interface {
	ResolveFile(streamKey, fileName string) (string, bool)
}

// AppOptions is options of the application
type AppOptions struct {
	Signaler PublisherSignaler
	Streams  core.StreamsDBStorer
	Sessions core.StreamSessionsDBStorer
	Hls      HlsResolver

	// StunURLs is returned to clients from the ice-servers endpoint.
	StunURLs []string

	router *chi.Mux
}

// App is application for API
type App struct {
	AppOptions
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	options.router = chi.NewRouter()

	if len(options.StunURLs) == 0 {
		options.StunURLs = []string{"stun:stun.l.google.com:19302"}
	}

	return &App{
		options,
	}
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	app.router.Use(middleware.RealIP)
	app.router.Use(middleware.Recoverer)
	app.router.Use(requestLogger)

	app.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/streams", StreamCreateHandler(app.Streams))
		r.Get("/streams", StreamListHandler(app.Streams))
		r.Get("/streams/{id}", StreamGetHandler(app.Streams, app.Sessions))

		r.Route("/webrtc", func(r chi.Router) {
			r.Get("/ice-servers", IceServersHandler(app.StunURLs))
			r.Post("/{streamID}/offer", OfferHandler(app.Signaler))
			r.Post("/{streamID}/ice", IceCandidateHandler(app.Signaler))
			r.Delete("/{streamID}", CloseHandler(app.Signaler))
		})
	})

	app.router.Get("/hls/{streamKey}/{file}", HlsFileHandler(app.Hls))

	app.router.Handle("/metrics", promhttp.Handler())
	app.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return app.router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Info().
			Str("service", "web").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Str("service", "web").Msg("can't encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFromErr(err), errorResponse{Error: err.Error()})
}

func statusFromErr(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidOffer), errors.Is(err, core.ErrInvalidArgument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrStreamEnded):
		return http.StatusConflict
	case errors.Is(err, core.ErrAnswerTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, janus.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func streamIDFromRequest(r *http.Request, param string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, param))
}
