package service

import (
	"context"
	"crypto/rsa"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/store"
)

const messagesPerPage = 25

// SendMessage persists an authenticated message. The signature must
// verify against one of the caller's current device keys; for encrypted
// messages it covers the ciphertext, so authenticity never depends on
// decryption.
func (s *Service) SendMessage(ctx context.Context, roomId string, body models.MessageBody, encryption *models.MessageEncryption, caller Caller) (models.RoomMessage, error) {
	if body.Content == "" {
		return models.RoomMessage{}, models.NewApiError(models.MsgEmptyMessage)
	}

	room, err := s.Store.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.RoomMessage{}, models.NewApiError(models.MsgRoomNotFound)
		}
		return models.RoomMessage{}, err
	}
	if idx := room.FindParticipant(caller.Sub); idx < 0 || room.Participants[idx].Status != models.StatusActive {
		return models.RoomMessage{}, models.NewApiError(models.MsgUnauthorized)
	}

	username, _ := models.SplitSubject(caller.Sub)
	user, err := s.Store.GetUser(ctx, username)
	if err != nil {
		return models.RoomMessage{}, models.NewApiError(models.MsgUnauthorized)
	}

	candidates := currentKeys(user)
	if len(candidates) == 0 {
		return models.RoomMessage{}, models.NewApiError(models.MsgPublicKeyRequired)
	}

	payload, err := crypto.Payload(body.Content)
	if err != nil {
		return models.RoomMessage{}, err
	}
	if !verifyAny(candidates, payload, body.Signature) {
		return models.RoomMessage{}, models.NewApiError(models.MsgInvalidSignature)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return models.RoomMessage{}, err
	}

	message := models.RoomMessage{
		Room:       roomId,
		Id:         id.String(),
		Sender:     caller.Sub,
		Body:       body,
		Encryption: encryption,
		Timestamp:  nowTimestamp(),
	}

	if err := s.Store.SaveMessage(ctx, message); err != nil {
		return models.RoomMessage{}, err
	}

	s.notifyLocalParticipants(room, "messages", roomId, caller.Sub)
	return message, nil
}

// GetMessages returns one page of a room's history, newest first.
func (s *Service) GetMessages(ctx context.Context, roomId string, page int, caller Caller) ([]models.RoomMessage, error) {
	room, err := s.Store.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return nil, models.NewApiError(models.MsgRoomNotFound)
		}
		return nil, err
	}
	if room.FindParticipant(caller.Sub) < 0 {
		return nil, models.NewApiError(models.MsgUnauthorized)
	}

	return s.Store.GetMessages(ctx, roomId, page, messagesPerPage)
}

// verifyInboundMessages checks every synced message against keys the
// claimed sender actually published: the current key plus all deprecated
// keys, since a message may predate a rotation. Keys are fetched once per
// sender per pass.
func (s *Service) verifyInboundMessages(ctx context.Context, syncHost string, messages []models.RoomMessage) {
	keyCache := make(map[string][]*rsa.PublicKey)

	for i := range messages {
		msg := &messages[i]

		candidates, cached := keyCache[msg.Sender]
		if !cached {
			candidates = s.fetchSenderKeys(ctx, syncHost, msg.Sender)
			keyCache[msg.Sender] = candidates
		}

		verified := false
		if len(candidates) > 0 {
			if payload, err := crypto.Payload(msg.Body.Content); err == nil {
				verified = verifyAny(candidates, payload, msg.Body.Signature)
			}
		}
		msg.Verified = &verified
	}
}

func (s *Service) fetchSenderKeys(ctx context.Context, syncHost string, sender string) []*rsa.PublicKey {
	username, host := models.SplitSubject(sender)
	if host == "" {
		host = syncHost
	}

	var deviceKeys []models.UserKeys
	var err error
	if host == s.Hostname {
		deviceKeys, err = s.GetUserKeys(ctx, username, true, "")
	} else {
		deviceKeys, err = s.Directory.FetchUserKeys(ctx, host, username, true, "")
	}
	if err != nil {
		return nil
	}

	var keys []*rsa.PublicKey
	for _, device := range deviceKeys {
		if device.PublicKey != nil {
			if pub, err := crypto.ParsePublicKey(device.PublicKey.Content); err == nil {
				keys = append(keys, pub)
			}
		}
		for _, dep := range device.Deprecated {
			if pub, err := crypto.ParsePublicKey(dep.PublicKey); err == nil {
				keys = append(keys, pub)
			}
		}
	}
	return keys
}

func currentKeys(user models.User) []*rsa.PublicKey {
	var keys []*rsa.PublicKey
	for _, device := range user.Devices {
		if device.PublicKey == nil {
			continue
		}
		if pub, err := crypto.ParsePublicKey(device.PublicKey.Content); err == nil {
			keys = append(keys, pub)
		}
	}
	return keys
}

func verifyAny(keys []*rsa.PublicKey, payload []byte, signature string) bool {
	for _, key := range keys {
		if crypto.Verify(key, payload, signature) {
			return true
		}
	}
	return false
}
