package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// HlsFileHandler serves playlist and segment files produced by the
// transcoder. Playlists must never be cached since they roll every couple of
// seconds; segments are immutable once written and may be cached briefly.
func HlsFileHandler(hls HlsResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamKey := chi.URLParam(r, "streamKey")
		fileName := chi.URLParam(r, "file")

		path, ok := hls.ResolveFile(streamKey, fileName)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch {
		case strings.HasSuffix(fileName, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache, no-store")
		case strings.HasSuffix(fileName, ".ts"):
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("Cache-Control", "max-age=10")
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		http.ServeFile(w, r, path)
	}
}
