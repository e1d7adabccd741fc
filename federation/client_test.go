package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/segment-chat/segment/crypto"
	fedmocks "github.com/segment-chat/segment/federation/mocks"
	"github.com/segment-chat/segment/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestClientJoinRoom_SignedRequestAndVerifiedResponse(t *testing.T) {
	originKey := testServerKey(t)
	destKey := testServerKey(t)

	room := models.Room{
		Id: "room-1",
		Participants: []models.Participant{
			{Sub: "bob@b.example", Status: models.StatusActive},
			{Sub: "alice@a.example", Status: models.StatusActive},
		},
		RoomName: "general",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/server/rooms/join", r.URL.Path)

		var envelope models.Envelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))

		// The envelope must verify under the origin's server key
		payload, err := crypto.Payload(envelope.Data)
		assert.NoError(t, err)
		assert.True(t, crypto.Verify(&originKey.PublicKey, payload, envelope.Signature))

		var req JoinRequest
		assert.NoError(t, json.Unmarshal(envelope.Data, &req))
		assert.Equal(t, "a.example", req.Origin)
		assert.Equal(t, "room-1", req.RoomId)
		assert.Equal(t, "alice@a.example", req.User)

		w.Write(signedResponseBody(t, destKey, room))
	}))
	defer srv.Close()
	host := hostOf(srv)

	trust := new(fedmocks.MockTrustPolicy)
	trust.On("ServerKey", mock.Anything, host).Return(&destKey.PublicKey, nil)

	c := NewClient("a.example", originKey, trust, NewDirectory(nil, nil, true))
	joined, err := c.JoinRoom(context.Background(), host, "room-1", "", "alice@a.example")

	assert.NoError(t, err)
	assert.Equal(t, "room-1", joined.Id)
	assert.Len(t, joined.Participants, 2)
}

func TestClientJoinRoom_PropagatesRemoteFailure(t *testing.T) {
	originKey := testServerKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ApiResponse{
			Status:  models.StatusFail,
			Message: string(models.MsgRoomNotFound),
		})
	}))
	defer srv.Close()

	trust := new(fedmocks.MockTrustPolicy)
	c := NewClient("a.example", originKey, trust, NewDirectory(nil, nil, true))

	_, err := c.JoinRoom(context.Background(), hostOf(srv), "missing", "", "alice@a.example")

	var apiErr *models.ApiError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.MsgRoomNotFound, apiErr.Message)
}

func TestClientJoinRoom_DiscardsUnverifiableResponse(t *testing.T) {
	originKey := testServerKey(t)
	destKey := testServerKey(t)
	impostorKey := testServerKey(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Signed by a key that is not the destination's server key
		w.Write(signedResponseBody(t, impostorKey, models.Room{Id: "room-1"}))
	}))
	defer srv.Close()
	host := hostOf(srv)

	trust := new(fedmocks.MockTrustPolicy)
	trust.On("ServerKey", mock.Anything, host).Return(&destKey.PublicKey, nil)

	c := NewClient("a.example", originKey, trust, NewDirectory(nil, nil, true))
	_, err := c.JoinRoom(context.Background(), host, "room-1", "", "alice@a.example")

	var apiErr *models.ApiError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.MsgUnknownError, apiErr.Message)
}

func TestClientJoinRoom_BlockedHost(t *testing.T) {
	originKey := testServerKey(t)
	trust := new(fedmocks.MockTrustPolicy)

	c := NewClient("a.example", originKey, trust, NewDirectory(nil, []string{"blocked.example"}, true))
	_, err := c.JoinRoom(context.Background(), "blocked.example", "room-1", "", "alice@a.example")

	var apiErr *models.ApiError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.MsgInvalidHost, apiErr.Message)
}

func TestClientJoinRoom_OfflineHost(t *testing.T) {
	originKey := testServerKey(t)
	trust := new(fedmocks.MockTrustPolicy)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := hostOf(srv)
	srv.Close()

	c := NewClient("a.example", originKey, trust, NewDirectory(nil, nil, true))
	_, err := c.JoinRoom(context.Background(), host, "room-1", "", "alice@a.example")

	var apiErr *models.ApiError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.MsgInvalidOrOfflineHost, apiErr.Message)
}

func TestClientSyncRoom_ReturnsHistory(t *testing.T) {
	originKey := testServerKey(t)
	destKey := testServerKey(t)

	history := []models.RoomMessage{
		{Room: "room-1", Id: "m1", Sender: "bob@b.example", Body: models.MessageBody{Content: "hi", Signature: "sig"}},
		{Room: "room-1", Id: "m2", Sender: "bob@b.example", Body: models.MessageBody{Content: "there", Signature: "sig"}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/server/rooms/sync", r.URL.Path)
		w.Write(signedResponseBody(t, destKey, history))
	}))
	defer srv.Close()
	host := hostOf(srv)

	trust := new(fedmocks.MockTrustPolicy)
	trust.On("ServerKey", mock.Anything, host).Return(&destKey.PublicKey, nil)

	c := NewClient("a.example", originKey, trust, NewDirectory(nil, nil, true))
	messages, err := c.SyncRoom(context.Background(), host, "room-1")

	assert.NoError(t, err)
	assert.Len(t, messages, 2)
	assert.Equal(t, "m1", messages[0].Id)
}
