package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"omniman/internal/model"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.store.ListOrders(r.Context(), storage.OrderFilter{
		ChannelCode: q.Get("channel_code"),
		Status:      model.Status(q.Get("status")),
		SessionKey:  q.Get("session_key"),
		ExternalRef: q.Get("external_ref"),
		Limit:       queryInt(r, "limit"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	ord, err := s.store.GetOrderByRef(r.Context(), ref)
	if storage.IsNotFound(err) {
		s.writeError(w, r, oerr.Transition(oerr.CodeOrderNotFound, "order not found").
			With("order_ref", ref))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.store.ListOrderItems(r.Context(), ord.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.ListOrderEvents(r.Context(), ord.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderDetailView(ord, items, events))
}
