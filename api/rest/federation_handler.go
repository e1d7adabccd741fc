package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/segment-chat/segment/models"
)

// Federation surface. Responses that carry data are signed with this
// server's key so the requesting host can verify them; failures are
// returned unsigned.

func (h *Handler) HandleServerKeys(w http.ResponseWriter, r *http.Request) {
	h.sendSigned(w, h.Service.GetServerKeys())
}

func (h *Handler) HandleServerUserKeys(w http.ResponseWriter, r *http.Request) {
	userId := mux.Vars(r)["userId"]
	includeDeprecated := r.URL.Query().Get("deprecated") == "true"
	sinceTimestamp := r.URL.Query().Get("timestamp")

	keys, err := h.Service.GetUserKeys(r.Context(), userId, includeDeprecated, sinceTimestamp)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSigned(w, keys)
}

func (h *Handler) HandleServerJoinRoom(w http.ResponseWriter, r *http.Request) {
	var envelope models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.sendFail(w, models.MsgValidationError)
		return
	}

	room, err := h.Service.ServerJoinRoom(r.Context(), envelope)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSigned(w, room)
}

func (h *Handler) HandleServerSyncRoom(w http.ResponseWriter, r *http.Request) {
	var envelope models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.sendFail(w, models.MsgValidationError)
		return
	}

	messages, err := h.Service.ServerSyncRoom(r.Context(), envelope)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSigned(w, messages)
}

func (h *Handler) sendSigned(w http.ResponseWriter, data any) {
	resp, err := h.Service.SignedResponse(data)
	if err != nil {
		h.sendFail(w, models.MsgUnknownError)
		return
	}
	h.writeResponse(w, http.StatusOK, resp)
}
