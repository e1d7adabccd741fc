package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/segment-chat/segment/service"
)

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Desktop clients send no Origin header
			origin := r.Header.Get("Origin")
			return origin == "" || origin == requiredOrigin
		},
		Subprotocols: []string{"segment-v1"},
	}
}

// ServeWS handles websocket requests from the peer. The session token
// rides in the second subprotocol slot since browsers cannot set headers
// on websocket requests.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	user, _, authErr := h.Service.AuthenticateToken(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ws connection: %v", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, user.Username, h.HandleWsMessage)

	h.Hub.OpenCh <- client

	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type responseMessage struct {
	Type string `json:"type"`
}

// HandleWsMessage only knows keepalives: the push channel is one-way,
// all real operations go through the REST surface.
func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Printf("Invalid JSON: %v", err)
		return
	}

	switch msg.Type {
	case "ping":
		resp := responseMessage{Type: "pong"}
		if respBytes, err := json.Marshal(resp); err == nil {
			client.Send <- respBytes
		}

	default:
		log.Printf("Unknown message type: %v", msg.Type)
	}
}
