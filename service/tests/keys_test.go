package service_test

import (
	"context"
	"testing"

	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestGetServerKeys_ServesOwnPublicKey(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	data := svc.GetServerKeys()
	pub, err := crypto.ParsePublicKey(data.PublicKey)

	assert.NoError(t, err)
	assert.Equal(t, svc.PrivateKey.PublicKey.N, pub.N)
}

func TestUploadKey_SelfSignedAccepted(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	deviceKey := mustGenerateKey(t)
	publicPEM := crypto.EncodePublicKey(&deviceKey.PublicKey)
	payload, err := crypto.Payload(publicPEM)
	assert.NoError(t, err)
	signature, err := crypto.Sign(deviceKey, payload)
	assert.NoError(t, err)

	user := models.User{
		Username: "alice",
		Devices:  []models.Device{{DeviceId: "device-1"}},
	}
	mockStore.On("UpdateUserDevices", ctx, "alice", mock.MatchedBy(func(devices []models.Device) bool {
		return devices[0].PublicKey != nil && devices[0].PublicKey.Content == publicPEM
	})).Return(nil)

	key, err := svc.UploadKey(ctx, user, "device-1", publicPEM, signature)

	assert.NoError(t, err)
	assert.NotEmpty(t, key.Id)
	assert.Equal(t, publicPEM, key.Content)
}

func TestUploadKey_RejectsBadSignature(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	deviceKey := mustGenerateKey(t)
	otherKey := mustGenerateKey(t)
	publicPEM := crypto.EncodePublicKey(&deviceKey.PublicKey)
	payload, err := crypto.Payload(publicPEM)
	assert.NoError(t, err)
	// Signed by a key that does not match the uploaded public key
	signature, err := crypto.Sign(otherKey, payload)
	assert.NoError(t, err)

	user := models.User{Username: "alice", Devices: []models.Device{{DeviceId: "device-1"}}}

	_, err = svc.UploadKey(ctx, user, "device-1", publicPEM, signature)

	assertApiError(t, err, models.MsgInvalidSignature)
	mockStore.AssertNotCalled(t, "UpdateUserDevices", mock.Anything, mock.Anything, mock.Anything)
}

func TestUploadKey_RejectsMalformedKey(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	user := models.User{Username: "alice", Devices: []models.Device{{DeviceId: "device-1"}}}
	_, err := svc.UploadKey(context.Background(), user, "device-1", "not a key", "sig")
	assertApiError(t, err, models.MsgInvalidKeys)
}

func TestUploadKey_RotationDeprecatesCurrent(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	newKey := mustGenerateKey(t)
	publicPEM := crypto.EncodePublicKey(&newKey.PublicKey)
	payload, err := crypto.Payload(publicPEM)
	assert.NoError(t, err)
	signature, err := crypto.Sign(newKey, payload)
	assert.NoError(t, err)

	user := models.User{
		Username: "alice",
		Devices: []models.Device{{
			DeviceId:   "device-1",
			PublicKey:  &models.DeviceKey{Id: "key-1", Content: "old-pem"},
			Deprecated: []models.DeprecatedKey{},
		}},
	}

	mockStore.On("UpdateUserDevices", ctx, "alice", mock.MatchedBy(func(devices []models.Device) bool {
		device := devices[0]
		return device.PublicKey.Content == publicPEM &&
			len(device.Deprecated) == 1 &&
			device.Deprecated[0].PublicKey == "old-pem" &&
			device.Deprecated[0].DeprecatedAt != ""
	})).Return(nil)

	_, err = svc.UploadKey(ctx, user, "device-1", publicPEM, signature)

	assert.NoError(t, err)
	mockStore.AssertExpectations(t)
}

func TestUploadKey_UnknownDevice(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	deviceKey := mustGenerateKey(t)
	publicPEM := crypto.EncodePublicKey(&deviceKey.PublicKey)
	payload, err := crypto.Payload(publicPEM)
	assert.NoError(t, err)
	signature, err := crypto.Sign(deviceKey, payload)
	assert.NoError(t, err)

	user := models.User{Username: "alice", Devices: []models.Device{}}
	_, err = svc.UploadKey(context.Background(), user, "ghost-device", publicPEM, signature)
	assertApiError(t, err, models.MsgUnauthorized)
}

func TestDeprecateKey_RetiresCurrent(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	user := models.User{
		Username: "alice",
		Devices: []models.Device{{
			DeviceId:  "device-1",
			PublicKey: &models.DeviceKey{Id: "key-1", Content: "current-pem"},
		}},
	}
	mockStore.On("UpdateUserDevices", ctx, "alice", mock.MatchedBy(func(devices []models.Device) bool {
		return devices[0].PublicKey == nil && len(devices[0].Deprecated) == 1
	})).Return(nil)

	err := svc.DeprecateKey(ctx, user, "device-1")
	assert.NoError(t, err)
}

func TestDeprecateKey_NothingToDeprecate(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	user := models.User{Username: "alice", Devices: []models.Device{{DeviceId: "device-1"}}}
	err := svc.DeprecateKey(context.Background(), user, "device-1")
	assertApiError(t, err, models.MsgNotPossible)
}

func TestGetUserKeys_FiltersDeprecatedByTimestamp(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetUser", ctx, "alice").Return(models.User{
		Username: "alice",
		Devices: []models.Device{{
			DeviceId:  "device-1",
			PublicKey: &models.DeviceKey{Id: "key-3", Content: "current"},
			Deprecated: []models.DeprecatedKey{
				{PublicKey: "ancient", DeprecatedAt: "2025-01-01T00:00:00.000000000Z"},
				{PublicKey: "recent", DeprecatedAt: "2026-06-01T00:00:00.000000000Z"},
			},
		}},
	}, nil)

	keys, err := svc.GetUserKeys(ctx, "alice", true, "2026-01-01T00:00:00.000000000Z")

	assert.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Len(t, keys[0].Deprecated, 1)
	assert.Equal(t, "recent", keys[0].Deprecated[0].PublicKey)
}

func TestGetUserKeys_CurrentOnlyByDefault(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetUser", ctx, "alice").Return(models.User{
		Username: "alice",
		Devices: []models.Device{{
			DeviceId:   "device-1",
			PublicKey:  &models.DeviceKey{Id: "key-1", Content: "current"},
			Deprecated: []models.DeprecatedKey{{PublicKey: "old"}},
		}},
	}, nil)

	keys, err := svc.GetUserKeys(ctx, "alice", false, "")

	assert.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Empty(t, keys[0].Deprecated)
}
