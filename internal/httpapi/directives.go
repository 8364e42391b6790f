package httpapi

import (
	"net/http"

	"omniman/internal/model"
	"omniman/internal/storage"
)

// handleListDirectives is queue introspection for operators and sits behind
// the admin permission classes.
func (s *Server) handleListDirectives(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	directives, err := s.store.ListDirectives(r.Context(), storage.DirectiveFilter{
		Topic:  q.Get("topic"),
		Status: model.DirectiveStatus(q.Get("status")),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]directiveView, 0, len(directives))
	for _, d := range directives {
		views = append(views, newDirectiveView(d))
	}
	writeJSON(w, http.StatusOK, views)
}
