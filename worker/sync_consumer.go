package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/mq"
	"github.com/segment-chat/segment/service"
)

// SyncConsumer drains the room re-sync queue: each message names a
// federated room whose history should be refreshed from its home host.
type SyncConsumer struct {
	syncQueue      mq.MessageQueue
	segmentService *service.Service
}

func NewSyncConsumer(syncQueue mq.MessageQueue, segmentService *service.Service) *SyncConsumer {
	return &SyncConsumer{
		syncQueue:      syncQueue,
		segmentService: segmentService,
	}
}

// A sync is a single outbound call plus per-message verification; a
// minute is ample headroom before the message becomes visible again.
const visibilityTimeout = 60

func (syncConsumer SyncConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := syncConsumer.syncQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("syncConsumer receive error: %v", err)
			continue
		}

		if msg == nil {
			continue
		}

		var syncMsg service.RoomSyncMessage
		if err := json.Unmarshal([]byte(msg.Body), &syncMsg); err != nil {
			// A body that never parsed will never parse; dropping it is the
			// only way out of the redelivery loop
			log.Printf("syncConsumer dropping malformed message: %v", err)
			syncConsumer.deleteMessage(msg)
			continue
		}

		// timeout should be a little less than queue visibility timeout
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
		err = syncConsumer.segmentService.SyncRoom(ctx, syncMsg.RoomId)
		cancel()

		if err != nil {
			if transientSyncError(err) {
				// Leave the message invisible until the visibility timeout
				// expires; the host may be back by then
				log.Printf("room sync %s failed, left for redelivery: %v", syncMsg.RoomId, err)
				continue
			}
			// Deterministic failure: redelivery would fail the same way
			log.Printf("room sync %s failed: %v", syncMsg.RoomId, err)
		}

		syncConsumer.deleteMessage(msg)
	}
}

func (syncConsumer SyncConsumer) deleteMessage(msg *mq.Message) {
	if err := syncConsumer.syncQueue.Delete(context.Background(), msg); err != nil {
		log.Printf("syncConsumer delete error: %v", err)
	}
}

// transientSyncError reports whether a failed sync could succeed on a
// later redelivery. Host reachability comes and goes; everything about
// the request itself fails identically every time.
func transientSyncError(err error) bool {
	var apiErr *models.ApiError
	if errors.As(err, &apiErr) {
		switch apiErr.Message {
		case models.MsgHostOffline, models.MsgInvalidOrOfflineHost:
			return true
		}
		return false
	}
	// Network, store, or deadline errors: retry
	return true
}
