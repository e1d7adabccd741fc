package ws

import (
	"context"
	"encoding/json"
	"log"

	"github.com/segment-chat/segment/cache"
	"github.com/segment-chat/segment/service"
)

type refreshData struct {
	Channel string `json:"channel"`
	Id      string `json:"id"`
}

type refreshMessage struct {
	Type string      `json:"type"`
	Data refreshData `json:"data"`
}

// Hub maintains the set of active clients and fans refresh events out to
// the right user's connections. Delivery is fire-and-forget: a client
// that misses an event just re-fetches on its next poll.
type Hub struct {
	segmentCache  cache.SegmentCache
	OpenCh        chan *Client
	CloseCh       chan *Client
	RefreshCh     chan service.RefreshMessage
	userToClients map[string]map[*Client]struct{}
}

func NewHub(segmentCache cache.SegmentCache) *Hub {
	return &Hub{
		segmentCache:  segmentCache,
		OpenCh:        make(chan *Client, 256),
		CloseCh:       make(chan *Client, 256),
		RefreshCh:     make(chan service.RefreshMessage, 1024),
		userToClients: make(map[string]map[*Client]struct{}),
	}
}

const maxConnectionsPerUser = 3

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.OpenCh:
			if _, ok := h.userToClients[client.username]; !ok {
				h.userToClients[client.username] = make(map[*Client]struct{})
			}

			if len(h.userToClients[client.username]) >= maxConnectionsPerUser {
				log.Printf("User %s reached max connections (%d)", client.username, maxConnectionsPerUser)
				close(client.Send)
				continue
			}

			h.userToClients[client.username][client] = struct{}{}

		case client := <-h.CloseCh:
			delete(h.userToClients[client.username], client)
			if len(h.userToClients[client.username]) == 0 {
				delete(h.userToClients, client.username)
			}

		case refresh := <-h.RefreshCh:
			clients, ok := h.userToClients[refresh.User]
			if !ok {
				continue
			}
			message := refreshMessage{
				Type: "ws.refresh",
				Data: refreshData{Channel: refresh.Channel, Id: refresh.Id},
			}
			raw, err := json.Marshal(message)
			if err != nil {
				continue
			}
			for client := range clients {
				select {
				case client.Send <- raw:
				default:
					// Slow client: drop the event, at-most-once delivery
				}
			}
		}
	}
}

// InitSubscriptions bridges the redis refresh channel into the hub so
// every instance behind a load balancer reaches its own sockets.
func (h *Hub) InitSubscriptions(shutdownCtx context.Context) error {
	err := h.segmentCache.Subscribe(shutdownCtx, "refresh", func(message []byte) {
		var refresh service.RefreshMessage
		if err := json.Unmarshal(message, &refresh); err == nil {
			h.RefreshCh <- refresh
		}
	})
	if err != nil {
		log.Printf("WS hub failed to subscribe to refresh: %v", err)
		return err
	}

	return nil
}
