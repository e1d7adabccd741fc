package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/service"
)

// Deepest history page a client can request; keeps the store query
// limit bounded.
const maxMessagePage = 1000

type Handler struct {
	Service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{Service: svc}
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendFail(w, models.MsgValidationError)
		return
	}

	user, err := h.Service.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.sendError(w, err)
		return
	}

	h.sendOK(w, user)
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceId   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type loginResponse struct {
	Username string        `json:"username"`
	Sub      string        `json:"sub"`
	Device   models.Device `json:"device"`
	Token    string        `json:"token"`
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendFail(w, models.MsgValidationError)
		return
	}

	user, device, token, err := h.Service.Login(r.Context(), req.Username, req.Password, req.DeviceId, req.DeviceName)
	if err != nil {
		h.sendError(w, err)
		return
	}

	h.sendOK(w, loginResponse{
		Username: user.Username,
		Sub:      models.Subject(user.Username, h.Service.Hostname),
		Device:   device,
		Token:    token,
	})
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendOK(w, user)
}

type uploadKeyRequest struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

func (h *Handler) HandleKeys(w http.ResponseWriter, r *http.Request) {
	user, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		var req uploadKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.sendFail(w, models.MsgValidationError)
			return
		}
		key, err := h.Service.UploadKey(r.Context(), user, caller.Device, req.PublicKey, req.Signature)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, key)

	case http.MethodDelete:
		if err := h.Service.DeprecateKey(r.Context(), user, caller.Device); err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, nil)

	default:
		h.sendFail(w, models.MsgValidationError)
	}
}

type createRoomRequest struct {
	RoomName        string   `json:"roomName"`
	RoomDescription string   `json:"roomDescription"`
	RoomVisibility  string   `json:"roomVisibility"`
	RoomPassword    string   `json:"roomPassword"`
	DirectMessage   bool     `json:"directMessage"`
	Invites         []string `json:"invites"`
}

func (h *Handler) HandleRooms(w http.ResponseWriter, r *http.Request) {
	_, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rooms, err := h.Service.GetRooms(r.Context(), caller)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, rooms)

	case http.MethodPost:
		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.sendFail(w, models.MsgValidationError)
			return
		}
		room, err := h.Service.CreateRoom(r.Context(), service.CreateRoomOptions{
			Name:          req.RoomName,
			Description:   req.RoomDescription,
			Visibility:    req.RoomVisibility,
			Password:      req.RoomPassword,
			DirectMessage: req.DirectMessage,
			Invites:       req.Invites,
		}, caller)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, room)

	default:
		h.sendFail(w, models.MsgValidationError)
	}
}

func (h *Handler) HandlePublicRooms(w http.ResponseWriter, r *http.Request) {
	if _, _, err := h.authenticate(r); err != nil {
		h.sendError(w, err)
		return
	}
	rooms, err := h.Service.GetPublicRooms(r.Context())
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendOK(w, rooms)
}

func (h *Handler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	_, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	roomId := mux.Vars(r)["roomId"]

	switch r.Method {
	case http.MethodGet:
		room, err := h.Service.GetRoom(r.Context(), roomId, caller)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, room)

	case http.MethodDelete:
		if err := h.Service.LeaveRoom(r.Context(), roomId, caller); err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, nil)

	default:
		h.sendFail(w, models.MsgValidationError)
	}
}

type joinRoomRequest struct {
	RoomId       string `json:"roomId"`
	RoomPassword string `json:"roomPassword"`
}

func (h *Handler) HandleJoinRoom(w http.ResponseWriter, r *http.Request) {
	_, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}

	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomId == "" {
		h.sendFail(w, models.MsgValidationError)
		return
	}

	room, err := h.Service.JoinRoom(r.Context(), req.RoomId, req.RoomPassword, caller)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendOK(w, room)
}

func (h *Handler) HandleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	_, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}

	room, err := h.Service.AcceptInvitation(r.Context(), mux.Vars(r)["roomId"], caller)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendOK(w, room)
}

func (h *Handler) HandleRoomSync(w http.ResponseWriter, r *http.Request) {
	_, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}

	if err := h.Service.EnqueueRoomSync(r.Context(), mux.Vars(r)["roomId"], caller); err != nil {
		h.sendError(w, err)
		return
	}
	h.sendOK(w, nil)
}

type sendMessageRequest struct {
	Content    string                    `json:"content"`
	Signature  string                    `json:"signature"`
	Encryption *models.MessageEncryption `json:"encryption,omitempty"`
}

func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	_, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}
	roomId := mux.Vars(r)["roomId"]

	switch r.Method {
	case http.MethodGet:
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		if page > maxMessagePage {
			page = maxMessagePage
		}
		messages, err := h.Service.GetMessages(r.Context(), roomId, page, caller)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, messages)

	case http.MethodPost:
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.sendFail(w, models.MsgValidationError)
			return
		}
		body := models.MessageBody{Content: req.Content, Signature: req.Signature}
		message, err := h.Service.SendMessage(r.Context(), roomId, body, req.Encryption, caller)
		if err != nil {
			h.sendError(w, err)
			return
		}
		h.sendOK(w, message)

	default:
		h.sendFail(w, models.MsgValidationError)
	}
}

type submitDHKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

func (h *Handler) HandleSubmitDHKey(w http.ResponseWriter, r *http.Request) {
	_, caller, err := h.authenticate(r)
	if err != nil {
		h.sendError(w, err)
		return
	}

	var req submitDHKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendFail(w, models.MsgValidationError)
		return
	}

	room, err := h.Service.SubmitDHKey(r.Context(), mux.Vars(r)["roomId"], req.PublicKey, caller)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendOK(w, room)
}

func (h *Handler) authenticate(r *http.Request) (models.User, service.Caller, error) {
	return h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}

func (h *Handler) sendOK(w http.ResponseWriter, data any) {
	h.writeResponse(w, http.StatusOK, models.ApiResponse{
		Status: models.StatusOK,
		Data:   data,
	})
}

func (h *Handler) sendFail(w http.ResponseWriter, msg models.ApiMessage) {
	h.writeResponse(w, statusCodeFor(msg), models.ApiResponse{
		Status:  models.StatusFail,
		Message: string(msg),
	})
}

// sendError maps domain failures to the wire; anything untyped is an
// internal error and gets logged but not leaked.
func (h *Handler) sendError(w http.ResponseWriter, err error) {
	var apiErr *models.ApiError
	if errors.As(err, &apiErr) {
		h.sendFail(w, apiErr.Message)
		return
	}
	log.Printf("request failed: %v", err)
	h.sendFail(w, models.MsgUnknownError)
}

func (h *Handler) writeResponse(w http.ResponseWriter, code int, resp models.ApiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func statusCodeFor(msg models.ApiMessage) int {
	switch msg {
	case models.MsgUnauthorized, models.MsgPasswordRequired, models.MsgPasswordIncorrect, models.MsgInvalidSignature, models.MsgInvalidOrigin:
		return http.StatusUnauthorized
	case models.MsgRoomNotFound, models.MsgUserNotFound:
		return http.StatusNotFound
	case models.MsgUnknownError:
		return http.StatusInternalServerError
	case models.MsgUserAlreadyJoined:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
