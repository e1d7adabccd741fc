package service_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/service"
	"github.com/segment-chat/segment/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func caller(username string) service.Caller {
	return service.Caller{Sub: username + "@" + testHostname, Device: "device-1"}
}

func TestCreateRoom_Defaults(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	var stored models.Room
	mockStore.On("CreateRoom", ctx, mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(1).(models.Room)
	}).Return(models.Room{Id: "room-1", RoomName: "general"}, nil)

	room, err := svc.CreateRoom(ctx, service.CreateRoomOptions{Name: "general"}, caller("alice"))

	assert.NoError(t, err)
	assert.Equal(t, "general", room.RoomName)
	assert.NotEmpty(t, stored.Id)
	assert.Equal(t, "private", stored.RoomVisibility)
	assert.Len(t, stored.Participants, 1)
	assert.Equal(t, "alice@a.example", stored.Participants[0].Sub)
	assert.Equal(t, models.StatusActive, stored.Participants[0].Status)
	assert.False(t, stored.IsDM())
}

func TestCreateRoom_PasswordIsHashed(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	var stored models.Room
	mockStore.On("CreateRoom", ctx, mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(1).(models.Room)
	}).Return(models.Room{Id: "room-1", RoomPassword: "stored-hash"}, nil)

	room, err := svc.CreateRoom(ctx, service.CreateRoomOptions{
		Name:     "secret-club",
		Password: "hunter2",
	}, caller("alice"))

	assert.NoError(t, err)
	assert.True(t, crypto.VerifyPassword("hunter2", stored.RoomPassword))
	// The hash never leaves the server
	assert.Empty(t, room.RoomPassword)
}

func TestCreateRoom_InvitesStartInvited(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	var stored models.Room
	mockStore.On("CreateRoom", ctx, mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(1).(models.Room)
	}).Return(models.Room{Id: "room-1"}, nil)
	mockCache.On("Publish", mock.Anything, "refresh", mock.Anything).Return(nil)

	_, err := svc.CreateRoom(ctx, service.CreateRoomOptions{
		Name:    "general",
		Invites: []string{"bob@a.example"},
	}, caller("alice"))

	assert.NoError(t, err)
	assert.Len(t, stored.Participants, 2)
	assert.Equal(t, "bob@a.example", stored.Participants[1].Sub)
	assert.Equal(t, models.StatusInvited, stored.Participants[1].Status)
}

func TestCreateRoom_DM(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	var stored models.Room
	mockStore.On("CreateRoom", ctx, mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(1).(models.Room)
	}).Return(models.Room{Id: models.DMPrefix + "room-1"}, nil)
	mockCache.On("Publish", mock.Anything, "refresh", mock.Anything).Return(nil)

	_, err := svc.CreateRoom(ctx, service.CreateRoomOptions{
		DirectMessage: true,
		Invites:       []string{"bob@b.example"},
	}, caller("alice"))

	assert.NoError(t, err)
	assert.True(t, stored.IsDM())
	assert.True(t, strings.HasPrefix(stored.Id, models.DMPrefix))
	assert.Len(t, stored.Participants, 2)
}

func TestCreateRoom_DM_Constraints(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	ctx := context.Background()
	alice := caller("alice")

	// Two invites
	_, err := svc.CreateRoom(ctx, service.CreateRoomOptions{
		DirectMessage: true,
		Invites:       []string{"bob@a.example", "carol@a.example"},
	}, alice)
	assertApiError(t, err, models.MsgNotPossible)

	// Password on a DM
	_, err = svc.CreateRoom(ctx, service.CreateRoomOptions{
		DirectMessage: true,
		Invites:       []string{"bob@a.example"},
		Password:      "pw",
	}, alice)
	assertApiError(t, err, models.MsgNotPossible)

	// Public DM
	_, err = svc.CreateRoom(ctx, service.CreateRoomOptions{
		DirectMessage: true,
		Invites:       []string{"bob@a.example"},
		Visibility:    "public",
	}, alice)
	assertApiError(t, err, models.MsgNotPossible)

	// DM with yourself
	_, err = svc.CreateRoom(ctx, service.CreateRoomOptions{
		DirectMessage: true,
		Invites:       []string{alice.Sub},
	}, alice)
	assertApiError(t, err, models.MsgNotPossible)
}

func TestGetRoom_PrivateInvisibleToNonParticipants(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id:             "room-1",
		RoomVisibility: "private",
		Participants:   []models.Participant{{Sub: "bob@a.example", Status: models.StatusActive}},
	}, nil)

	_, err := svc.GetRoom(ctx, "room-1", caller("alice"))
	assertApiError(t, err, models.MsgRoomNotFound)
}

func TestJoinRoom_Local_Success(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	room := models.Room{
		Id:             "room-1",
		RoomVisibility: "public",
		Participants:   []models.Participant{{Sub: "bob@a.example", Status: models.StatusActive}},
		Version:        3,
	}
	mockStore.On("GetRoom", ctx, "room-1").Return(room, nil)
	mockStore.On("UpdateRoomParticipants", ctx, "room-1", mock.MatchedBy(func(participants []models.Participant) bool {
		return len(participants) == 2 && participants[1].Sub == "alice@a.example" && participants[1].Status == models.StatusActive
	}), 3).Return(models.Room{
		Id: "room-1",
		Participants: []models.Participant{
			{Sub: "bob@a.example", Status: models.StatusActive},
			{Sub: "alice@a.example", Status: models.StatusActive},
		},
		Version: 4,
	}, nil)
	mockCache.On("Publish", mock.Anything, "refresh", mock.Anything).Return(nil)

	joined, err := svc.JoinRoom(ctx, "room-1", "", caller("alice"))

	assert.NoError(t, err)
	assert.Len(t, joined.Participants, 2)
}

func TestJoinRoom_AlreadyJoined(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id:           "room-1",
		Participants: []models.Participant{{Sub: "alice@a.example", Status: models.StatusActive}},
	}, nil)

	_, err := svc.JoinRoom(ctx, "room-1", "", caller("alice"))
	assertApiError(t, err, models.MsgUserAlreadyJoined)
	mockStore.AssertNotCalled(t, "UpdateRoomParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinRoom_PasswordGate(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	hash, err := crypto.HashPassword("hunter2")
	assert.NoError(t, err)

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id:           "room-1",
		RoomPassword: hash,
		Participants: []models.Participant{{Sub: "bob@a.example", Status: models.StatusActive}},
	}, nil)

	_, err = svc.JoinRoom(ctx, "room-1", "", caller("alice"))
	assertApiError(t, err, models.MsgPasswordRequired)

	_, err = svc.JoinRoom(ctx, "room-1", "wrong", caller("alice"))
	assertApiError(t, err, models.MsgPasswordIncorrect)
}

func TestJoinRoom_InvitedSkipsPassword(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	hash, err := crypto.HashPassword("hunter2")
	assert.NoError(t, err)

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id:           "room-1",
		RoomPassword: hash,
		Participants: []models.Participant{
			{Sub: "bob@a.example", Status: models.StatusActive},
			{Sub: "alice@a.example", Status: models.StatusInvited},
		},
		Version: 1,
	}, nil)
	mockStore.On("UpdateRoomParticipants", ctx, "room-1", mock.MatchedBy(func(participants []models.Participant) bool {
		return participants[1].Status == models.StatusActive
	}), 1).Return(models.Room{Id: "room-1"}, nil)
	mockCache.On("Publish", mock.Anything, "refresh", mock.Anything).Return(nil)

	_, err = svc.JoinRoom(ctx, "room-1", "", caller("alice"))
	assert.NoError(t, err)
}

func TestJoinRoom_DM_UninvitedRejected(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "dm!room-1").Return(models.Room{
		Id: "dm!room-1",
		Participants: []models.Participant{
			{Sub: "bob@a.example", Status: models.StatusActive},
			{Sub: "carol@a.example", Status: models.StatusActive},
		},
	}, nil)

	_, err := svc.JoinRoom(ctx, "dm!room-1", "", caller("alice"))
	assertApiError(t, err, models.MsgUnauthorized)
}

func TestJoinRoom_StaleVersionRetries(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	base := models.Room{
		Id:             "room-1",
		RoomVisibility: "public",
		Participants:   []models.Participant{{Sub: "bob@a.example", Status: models.StatusActive}},
	}

	stale := base
	stale.Version = 1
	fresh := base
	fresh.Version = 2

	mockStore.On("GetRoom", ctx, "room-1").Return(stale, nil).Once()
	mockStore.On("UpdateRoomParticipants", ctx, "room-1", mock.Anything, 1).Return(models.Room{}, store.ErrConditionFailed).Once()

	mockStore.On("GetRoom", ctx, "room-1").Return(fresh, nil).Once()
	mockStore.On("UpdateRoomParticipants", ctx, "room-1", mock.Anything, 2).Return(models.Room{Id: "room-1", Version: 3}, nil).Once()
	mockCache.On("Publish", mock.Anything, "refresh", mock.Anything).Return(nil)

	_, err := svc.JoinRoom(ctx, "room-1", "", caller("alice"))

	assert.NoError(t, err)
	mockStore.AssertExpectations(t)
}

func TestAcceptInvitation_NotInvited(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id:           "room-1",
		Participants: []models.Participant{{Sub: "alice@a.example", Status: models.StatusActive}},
	}, nil)

	_, err := svc.AcceptInvitation(ctx, "room-1", caller("alice"))
	assertApiError(t, err, models.MsgNotPossible)
}

func TestLeaveRoom_RemovesParticipant(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id: "room-1",
		Participants: []models.Participant{
			{Sub: "alice@a.example", Status: models.StatusActive},
			{Sub: "bob@a.example", Status: models.StatusActive},
		},
		Version: 5,
	}, nil)
	mockStore.On("UpdateRoomParticipants", ctx, "room-1", mock.MatchedBy(func(participants []models.Participant) bool {
		return len(participants) == 1 && participants[0].Sub == "bob@a.example"
	}), 5).Return(models.Room{Id: "room-1"}, nil)
	mockCache.On("Publish", mock.Anything, "refresh", mock.Anything).Return(nil)

	err := svc.LeaveRoom(ctx, "room-1", caller("alice"))
	assert.NoError(t, err)
}

func TestSubmitDHKey_UpsertsEntry(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	room := models.Room{
		Id: "dm!room-1",
		Participants: []models.Participant{
			{Sub: "alice@a.example", Status: models.StatusActive},
			{Sub: "bob@a.example", Status: models.StatusActive},
		},
		Ephemeral: []models.EphemeralEntry{{Sub: "alice@a.example", Key: "old-value"}},
		Version:   2,
	}
	mockStore.On("GetRoom", ctx, "dm!room-1").Return(room, nil)
	mockStore.On("UpdateRoomEphemeral", ctx, "dm!room-1", mock.MatchedBy(func(entries []models.EphemeralEntry) bool {
		return len(entries) == 1 && entries[0].Key == "new-value" && !entries[0].Relayed
	}), 2).Return(room, nil)
	mockCache.On("Publish", mock.Anything, "refresh", mock.Anything).Return(nil)

	_, err := svc.SubmitDHKey(ctx, "dm!room-1", "new-value", caller("alice"))
	assert.NoError(t, err)
	mockStore.AssertExpectations(t)
}

func TestSubmitDHKey_OnlyDMRooms(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id:           "room-1",
		Participants: []models.Participant{{Sub: "alice@a.example", Status: models.StatusActive}},
	}, nil)

	_, err := svc.SubmitDHKey(ctx, "room-1", "value", caller("alice"))
	assertApiError(t, err, models.MsgNotPossible)
}

func TestSubmitDHKey_NonParticipant(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "dm!room-1").Return(models.Room{
		Id:           "dm!room-1",
		Participants: []models.Participant{{Sub: "bob@a.example", Status: models.StatusActive}},
	}, nil)

	_, err := svc.SubmitDHKey(ctx, "dm!room-1", "value", caller("alice"))
	assertApiError(t, err, models.MsgUnauthorized)
}

func TestSubmitDHKey_NotifiesLocalPeer(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	room := models.Room{
		Id: "dm!room-1",
		Participants: []models.Participant{
			{Sub: "alice@a.example", Status: models.StatusActive},
			{Sub: "bob@a.example", Status: models.StatusActive},
		},
		Version: 1,
	}
	mockStore.On("GetRoom", ctx, "dm!room-1").Return(room, nil)
	mockStore.On("UpdateRoomEphemeral", ctx, "dm!room-1", mock.Anything, 1).Return(room, nil)

	mockCache.On("Publish", mock.Anything, "refresh", mock.MatchedBy(func(raw []byte) bool {
		var msg service.RefreshMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return false
		}
		return msg.User == "bob" && msg.Channel == "dh" && msg.Id == "dm!room-1"
	})).Return(nil)

	_, err := svc.SubmitDHKey(ctx, "dm!room-1", "value", caller("alice"))
	assert.NoError(t, err)
	mockCache.AssertExpectations(t)
}

func TestEnqueueRoomSync_LocalRoomRejected(t *testing.T) {
	svc, mockStore, _, mockMQ, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "room-1").Return(models.Room{
		Id:           "room-1",
		Participants: []models.Participant{{Sub: "alice@a.example", Status: models.StatusActive}},
	}, nil)

	err := svc.EnqueueRoomSync(ctx, "room-1", caller("alice"))
	assertApiError(t, err, models.MsgNotPossible)
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestEnqueueRoomSync_QueuesFederatedRoom(t *testing.T) {
	svc, mockStore, _, mockMQ, _ := setupService(t)
	ctx := context.Background()

	localId := "b.example:room-2"
	mockStore.On("GetRoom", ctx, localId).Return(models.Room{
		Id:           localId,
		Participants: []models.Participant{{Sub: "alice@a.example", Status: models.StatusActive}},
	}, nil)
	mockMQ.On("Send", ctx, mock.MatchedBy(func(body string) bool {
		var msg service.RoomSyncMessage
		return json.Unmarshal([]byte(body), &msg) == nil && msg.RoomId == localId
	})).Return(nil)

	err := svc.EnqueueRoomSync(ctx, localId, caller("alice"))
	assert.NoError(t, err)
	mockMQ.AssertExpectations(t)
}
