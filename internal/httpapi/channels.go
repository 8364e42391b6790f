package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, newChannelView(ch))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	ch, err := s.store.GetChannelByCode(r.Context(), code)
	if storage.IsNotFound(err) {
		s.writeError(w, r, oerr.Session(oerr.CodeChannelNotFound, "unknown channel").
			With("channel_code", code))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChannelView(ch))
}
