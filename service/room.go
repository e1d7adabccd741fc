package service

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/federation"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/store"
)

// Room mutations use optimistic concurrency: read, modify, write
// conditioned on the read version, retry on conflict.
const maxMutationRetries = 3

type CreateRoomOptions struct {
	Name          string
	Description   string
	Visibility    string
	Password      string
	DirectMessage bool
	// Invites are fully qualified subjects added with Invited status.
	Invites []string
}

func (s *Service) CreateRoom(ctx context.Context, opts CreateRoomOptions, caller Caller) (models.Room, error) {
	if opts.Visibility == "" {
		opts.Visibility = "private"
	}
	if opts.Visibility != "public" && opts.Visibility != "private" {
		return models.Room{}, models.NewApiError(models.MsgValidationError)
	}
	if opts.Name == "" && !opts.DirectMessage {
		return models.Room{}, models.NewApiError(models.MsgValidationError)
	}

	if opts.DirectMessage {
		// A DM room is exactly the creator plus one peer, never listed
		// publicly and never password-gated.
		if len(opts.Invites) != 1 || opts.Password != "" || opts.Visibility == "public" {
			return models.Room{}, models.NewApiError(models.MsgNotPossible)
		}
		if opts.Invites[0] == caller.Sub {
			return models.Room{}, models.NewApiError(models.MsgNotPossible)
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return models.Room{}, err
	}
	roomId := id.String()
	if opts.DirectMessage {
		roomId = models.DMPrefix + roomId
	}

	passwordHash := ""
	if opts.Password != "" {
		passwordHash, err = crypto.HashPassword(opts.Password)
		if err != nil {
			return models.Room{}, err
		}
	}

	participants := []models.Participant{{Sub: caller.Sub, Status: models.StatusActive}}
	for _, invite := range opts.Invites {
		if invite == caller.Sub {
			continue
		}
		participants = append(participants, models.Participant{Sub: invite, Status: models.StatusInvited})
	}

	room := models.Room{
		Id:              roomId,
		Participants:    participants,
		RoomName:        opts.Name,
		RoomDescription: opts.Description,
		RoomVisibility:  opts.Visibility,
		RoomPassword:    passwordHash,
		CreatedAt:       nowTimestamp(),
	}

	created, err := s.Store.CreateRoom(ctx, room)
	if err != nil {
		return models.Room{}, err
	}

	s.notifyLocalParticipants(created, "rooms", created.Id, caller.Sub)
	return sanitizeRoom(created), nil
}

func (s *Service) GetRooms(ctx context.Context, caller Caller) ([]models.Room, error) {
	rooms, err := s.Store.GetRoomsForParticipant(ctx, caller.Sub)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i] = sanitizeRoom(rooms[i])
	}
	return rooms, nil
}

func (s *Service) GetRoom(ctx context.Context, roomId string, caller Caller) (models.Room, error) {
	room, err := s.Store.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.Room{}, models.NewApiError(models.MsgRoomNotFound)
		}
		return models.Room{}, err
	}

	// Private rooms are invisible to non-participants
	if room.FindParticipant(caller.Sub) < 0 && room.RoomVisibility != "public" {
		return models.Room{}, models.NewApiError(models.MsgRoomNotFound)
	}

	return sanitizeRoom(room), nil
}

func (s *Service) GetPublicRooms(ctx context.Context) ([]models.Room, error) {
	rooms, err := s.Store.GetPublicRooms(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i] = sanitizeRoom(rooms[i])
	}
	return rooms, nil
}

// JoinRoom routes a join to the local state machine or to a remote host,
// depending on the host segment of `<uuid>[:<host>]`.
func (s *Service) JoinRoom(ctx context.Context, roomId string, password string, caller Caller) (models.Room, error) {
	id, host := models.SplitRoomId(roomId)
	if host == "" || host == s.Hostname {
		room, err := s.joinLocal(ctx, id, password, caller)
		if err != nil {
			return models.Room{}, err
		}
		return sanitizeRoom(room), nil
	}
	return s.joinRemote(ctx, id, host, password, caller)
}

// joinLocal handles both same-host clients and inbound federated joins;
// the Caller tag is the only difference between them.
func (s *Service) joinLocal(ctx context.Context, roomId string, password string, caller Caller) (models.Room, error) {
	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		room, err := s.Store.GetRoom(ctx, roomId)
		if err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				return models.Room{}, models.NewApiError(models.MsgRoomNotFound)
			}
			return models.Room{}, err
		}

		idx := room.FindParticipant(caller.Sub)
		if idx >= 0 && room.Participants[idx].Status == models.StatusActive {
			return models.Room{}, models.NewApiError(models.MsgUserAlreadyJoined)
		}
		invited := idx >= 0

		if room.IsDM() && !invited {
			return models.Room{}, models.NewApiError(models.MsgUnauthorized)
		}

		if room.RoomPassword != "" && !invited {
			if password == "" {
				return models.Room{}, models.NewApiError(models.MsgPasswordRequired)
			}
			if !crypto.VerifyPassword(password, room.RoomPassword) {
				return models.Room{}, models.NewApiError(models.MsgPasswordIncorrect)
			}
		}

		if invited {
			room.Participants[idx].Status = models.StatusActive
		} else {
			room.Participants = append(room.Participants, models.Participant{
				Sub:    caller.Sub,
				Status: models.StatusActive,
			})
		}

		updated, err := s.Store.UpdateRoomParticipants(ctx, roomId, room.Participants, room.Version)
		if err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				continue // concurrent mutation, re-read and retry
			}
			return models.Room{}, err
		}

		s.notifyLocalParticipants(updated, "rooms", roomId, caller.Sub)
		return updated, nil
	}

	return models.Room{}, models.NewApiError(models.MsgUnknownError)
}

func (s *Service) joinRemote(ctx context.Context, roomId string, host string, password string, caller Caller) (models.Room, error) {
	localId := models.NamespacedRoomId(host, roomId)
	if _, err := s.Store.GetRoom(ctx, localId); err == nil {
		return models.Room{}, models.NewApiError(models.MsgUserAlreadyJoined)
	}

	room, err := s.Federation.JoinRoom(ctx, host, roomId, password, caller.Sub)
	if err != nil {
		return models.Room{}, err
	}

	// Keep a namespaced local copy; the hash never crosses hosts anyway
	room.Id = localId
	room.RoomPassword = ""
	room.Version = 0

	created, err := s.Store.CreateRoom(ctx, room)
	if err != nil {
		if errors.Is(err, store.ErrItemExists) {
			return models.Room{}, models.NewApiError(models.MsgUserAlreadyJoined)
		}
		return models.Room{}, err
	}

	// Pull history right away. A failed sync discards the history but the
	// join itself stands; the client can re-sync later.
	if err := s.syncRoomFromHost(ctx, localId, roomId, host); err != nil {
		log.Printf("initial sync of %s from %s failed: %v", roomId, host, err)
	}

	return sanitizeRoom(created), nil
}

// SyncRoom refreshes the local copy of a federated room's history. The
// split is at the last colon since the host segment may carry a port.
func (s *Service) SyncRoom(ctx context.Context, localRoomId string) error {
	sep := strings.LastIndex(localRoomId, ":")
	if sep < 0 {
		// Locally hosted rooms have nothing to sync from
		return models.NewApiError(models.MsgNotPossible)
	}
	host := localRoomId[:sep]
	remoteId := localRoomId[sep+1:]
	return s.syncRoomFromHost(ctx, localRoomId, remoteId, host)
}

func (s *Service) syncRoomFromHost(ctx context.Context, localRoomId string, remoteRoomId string, host string) error {
	// An unverifiable response envelope fails inside the federation
	// client: nothing is persisted in that case.
	messages, err := s.Federation.SyncRoom(ctx, host, remoteRoomId)
	if err != nil {
		return err
	}

	s.verifyInboundMessages(ctx, host, messages)

	for _, msg := range messages {
		msg.Room = localRoomId
		if err := s.Store.SaveMessage(ctx, msg); err != nil {
			return err
		}
	}

	return nil
}

// RoomSyncMessage is the queued form of an asynchronous re-sync request.
type RoomSyncMessage struct {
	RoomId string `json:"roomId"`
}

// EnqueueRoomSync schedules a background history refresh for a federated
// room the caller participates in.
func (s *Service) EnqueueRoomSync(ctx context.Context, localRoomId string, caller Caller) error {
	room, err := s.Store.GetRoom(ctx, localRoomId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.NewApiError(models.MsgRoomNotFound)
		}
		return err
	}
	if room.FindParticipant(caller.Sub) < 0 {
		return models.NewApiError(models.MsgUnauthorized)
	}
	if !strings.Contains(localRoomId, ":") {
		return models.NewApiError(models.MsgNotPossible)
	}

	raw, err := json.Marshal(RoomSyncMessage{RoomId: localRoomId})
	if err != nil {
		return err
	}
	return s.MQ.Send(ctx, string(raw))
}

func (s *Service) AcceptInvitation(ctx context.Context, roomId string, caller Caller) (models.Room, error) {
	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		room, err := s.Store.GetRoom(ctx, roomId)
		if err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				return models.Room{}, models.NewApiError(models.MsgRoomNotFound)
			}
			return models.Room{}, err
		}

		idx := room.FindParticipant(caller.Sub)
		if idx < 0 || room.Participants[idx].Status != models.StatusInvited {
			return models.Room{}, models.NewApiError(models.MsgNotPossible)
		}
		room.Participants[idx].Status = models.StatusActive

		updated, err := s.Store.UpdateRoomParticipants(ctx, roomId, room.Participants, room.Version)
		if err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				continue
			}
			return models.Room{}, err
		}

		s.notifyLocalParticipants(updated, "rooms", roomId, caller.Sub)
		return sanitizeRoom(updated), nil
	}

	return models.Room{}, models.NewApiError(models.MsgUnknownError)
}

func (s *Service) LeaveRoom(ctx context.Context, roomId string, caller Caller) error {
	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		room, err := s.Store.GetRoom(ctx, roomId)
		if err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				return models.NewApiError(models.MsgRoomNotFound)
			}
			return err
		}

		idx := room.FindParticipant(caller.Sub)
		if idx < 0 {
			return models.NewApiError(models.MsgUnauthorized)
		}
		room.Participants = append(room.Participants[:idx], room.Participants[idx+1:]...)

		updated, err := s.Store.UpdateRoomParticipants(ctx, roomId, room.Participants, room.Version)
		if err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				continue
			}
			return err
		}

		s.notifyLocalParticipants(updated, "rooms", roomId, caller.Sub)
		return nil
	}

	return models.NewApiError(models.MsgUnknownError)
}

// SubmitDHKey upserts the caller's ephemeral public value on a DM room.
// Resubmission replaces the existing entry and resets its relayed flag.
func (s *Service) SubmitDHKey(ctx context.Context, roomId string, publicKey string, caller Caller) (models.Room, error) {
	if publicKey == "" {
		return models.Room{}, models.NewApiError(models.MsgValidationError)
	}

	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		room, err := s.Store.GetRoom(ctx, roomId)
		if err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				return models.Room{}, models.NewApiError(models.MsgRoomNotFound)
			}
			return models.Room{}, err
		}

		if room.FindParticipant(caller.Sub) < 0 {
			return models.Room{}, models.NewApiError(models.MsgUnauthorized)
		}
		if !room.IsDM() {
			return models.Room{}, models.NewApiError(models.MsgNotPossible)
		}

		entry := models.EphemeralEntry{
			Sub:       caller.Sub,
			Key:       publicKey,
			Timestamp: nowTimestamp(),
			Relayed:   false,
		}
		if idx := room.FindEphemeral(caller.Sub); idx >= 0 {
			room.Ephemeral[idx] = entry
		} else {
			room.Ephemeral = append(room.Ephemeral, entry)
		}

		updated, err := s.Store.UpdateRoomEphemeral(ctx, roomId, room.Ephemeral, room.Version)
		if err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				continue
			}
			return models.Room{}, err
		}

		// Same-host peers learn about the new key immediately; remote
		// peers still converge by polling.
		s.notifyLocalParticipants(updated, "dh", roomId, caller.Sub)
		return sanitizeRoom(updated), nil
	}

	return models.Room{}, models.NewApiError(models.MsgUnknownError)
}

// ServerJoinRoom handles an inbound federated join. The envelope must
// name this host as destination and verify against the origin's server
// key before any room state is touched.
func (s *Service) ServerJoinRoom(ctx context.Context, envelope models.Envelope) (models.Room, error) {
	var req federation.JoinRequest
	if err := json.Unmarshal(envelope.Data, &req); err != nil {
		return models.Room{}, models.NewApiError(models.MsgValidationError)
	}

	if err := s.verifyInboundEnvelope(ctx, envelope, req.Origin, req.Destination); err != nil {
		return models.Room{}, err
	}

	// The acting subject must belong to the origin host
	if _, userHost := models.SplitSubject(req.User); userHost != req.Origin {
		return models.Room{}, models.NewApiError(models.MsgInvalidOrigin)
	}

	room, err := s.joinLocal(ctx, req.RoomId, req.RoomPassword, Caller{Sub: req.User, Origin: req.Origin})
	if err != nil {
		return models.Room{}, err
	}
	return sanitizeRoom(room), nil
}

// ServerSyncRoom hands a room's history to a host that has a participant
// on it. History is never served to uninvolved hosts.
func (s *Service) ServerSyncRoom(ctx context.Context, envelope models.Envelope) ([]models.RoomMessage, error) {
	var req federation.SyncRequest
	if err := json.Unmarshal(envelope.Data, &req); err != nil {
		return nil, models.NewApiError(models.MsgValidationError)
	}

	if err := s.verifyInboundEnvelope(ctx, envelope, req.Origin, req.Destination); err != nil {
		return nil, err
	}

	room, err := s.Store.GetRoom(ctx, req.RoomId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return nil, models.NewApiError(models.MsgRoomNotFound)
		}
		return nil, err
	}

	originParticipates := false
	for _, p := range room.Participants {
		if _, host := models.SplitSubject(p.Sub); host == req.Origin {
			originParticipates = true
			break
		}
	}
	if !originParticipates {
		return nil, models.NewApiError(models.MsgUnauthorized)
	}

	return s.Store.GetAllMessages(ctx, req.RoomId)
}

func (s *Service) verifyInboundEnvelope(ctx context.Context, envelope models.Envelope, origin string, destination string) error {
	if destination != s.Hostname {
		return models.NewApiError(models.MsgInvalidOrigin)
	}
	if origin == "" || s.Directory.ShouldBlockRequest(origin) {
		return models.NewApiError(models.MsgInvalidOrigin)
	}

	originKey, err := s.Trust.ServerKey(ctx, origin)
	if err != nil {
		return models.NewApiError(models.MsgInvalidOrigin)
	}

	payload, err := crypto.Payload(envelope.Data)
	if err != nil {
		return models.NewApiError(models.MsgInvalidOrigin)
	}
	if !crypto.Verify(originKey, payload, envelope.Signature) {
		return models.NewApiError(models.MsgInvalidOrigin)
	}

	return nil
}

// sanitizeRoom strips fields that never leave the server.
func sanitizeRoom(room models.Room) models.Room {
	room.RoomPassword = ""
	return room
}
