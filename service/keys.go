package service

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/store"
)

// ServerKeyData is the payload of the unauthenticated key discovery path.
type ServerKeyData struct {
	PublicKey string `json:"publicKey"`
}

func (s *Service) GetServerKeys() ServerKeyData {
	return ServerKeyData{PublicKey: s.PublicKeyPEM}
}

// UploadKey registers a new current public key for the caller's device.
// The key self-signs its own content hash; a previous current key moves
// to the deprecated list and stays valid for older signatures.
func (s *Service) UploadKey(ctx context.Context, user models.User, deviceId string, publicKeyPEM string, signature string) (models.DeviceKey, error) {
	if publicKeyPEM == "" {
		return models.DeviceKey{}, models.NewApiError(models.MsgValidationError)
	}

	pub, err := crypto.ParsePublicKey(publicKeyPEM)
	if err != nil {
		return models.DeviceKey{}, models.NewApiError(models.MsgInvalidKeys)
	}

	payload, err := crypto.Payload(publicKeyPEM)
	if err != nil {
		return models.DeviceKey{}, err
	}
	if !crypto.Verify(pub, payload, signature) {
		return models.DeviceKey{}, models.NewApiError(models.MsgInvalidSignature)
	}

	idx := user.FindDevice(deviceId)
	if idx < 0 {
		return models.DeviceKey{}, models.NewApiError(models.MsgUnauthorized)
	}
	device := &user.Devices[idx]

	if device.PublicKey != nil {
		device.Deprecated = append(device.Deprecated, models.DeprecatedKey{
			PublicKey:    device.PublicKey.Content,
			DeprecatedAt: nowTimestamp(),
		})
	}

	keyId, err := uuid.NewV4()
	if err != nil {
		return models.DeviceKey{}, err
	}
	device.PublicKey = &models.DeviceKey{
		Id:      keyId.String(),
		Content: publicKeyPEM,
	}

	if err := s.Store.UpdateUserDevices(ctx, user.Username, user.Devices); err != nil {
		return models.DeviceKey{}, err
	}

	return *device.PublicKey, nil
}

// DeprecateKey retires a device's current key without replacing it.
func (s *Service) DeprecateKey(ctx context.Context, user models.User, deviceId string) error {
	idx := user.FindDevice(deviceId)
	if idx < 0 {
		return models.NewApiError(models.MsgUnauthorized)
	}
	device := &user.Devices[idx]

	if device.PublicKey == nil {
		return models.NewApiError(models.MsgNotPossible)
	}

	device.Deprecated = append(device.Deprecated, models.DeprecatedKey{
		PublicKey:    device.PublicKey.Content,
		DeprecatedAt: nowTimestamp(),
	})
	device.PublicKey = nil

	return s.Store.UpdateUserDevices(ctx, user.Username, user.Devices)
}

// GetUserKeys serves the federation key directory for one user: each
// device's current key plus, when requested, deprecated keys newer than
// sinceTimestamp.
func (s *Service) GetUserKeys(ctx context.Context, username string, includeDeprecated bool, sinceTimestamp string) ([]models.UserKeys, error) {
	user, err := s.Store.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return nil, models.NewApiError(models.MsgUserNotFound)
		}
		return nil, err
	}

	keys := make([]models.UserKeys, 0, len(user.Devices))
	for _, device := range user.Devices {
		entry := models.UserKeys{
			PublicKey:  device.PublicKey,
			Deprecated: []models.DeprecatedKey{},
		}
		if includeDeprecated {
			for _, dep := range device.Deprecated {
				if sinceTimestamp != "" && dep.DeprecatedAt < sinceTimestamp {
					continue
				}
				entry.Deprecated = append(entry.Deprecated, dep)
			}
		}
		keys = append(keys, entry)
	}

	return keys, nil
}
