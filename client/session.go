package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
)

// Session is an authenticated device connection to a userserver. It owns
// the device keyring and the per-room exchange leases used by the key
// exchange pass.
type Session struct {
	BaseURL string
	Token   string
	Sub     string
	Device  models.Device

	httpClient *http.Client
	keyring    *Keyring

	// leases throttle the exchange pass per room so concurrent passes
	// (a push-driven one overlapping the poll) do not double-submit
	// fresh keypairs.
	leaseMu  sync.Mutex
	leases   map[string]time.Time
	leaseTTL time.Duration

	deviceKey *rsa.PrivateKey
}

func NewSession(baseURL string, keyring *Keyring) *Session {
	return &Session{
		BaseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keyring:    keyring,
		leases:     make(map[string]time.Time),
		leaseTTL:   30 * time.Second,
	}
}

type loginResult struct {
	Username string        `json:"username"`
	Sub      string        `json:"sub"`
	Device   models.Device `json:"device"`
	Token    string        `json:"token"`
}

func (s *Session) Register(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return s.post(ctx, "/client/auth/register", body, nil)
}

// Login authenticates and loads (or mints and uploads) the device RSA
// key, so the session is immediately able to sign messages.
func (s *Session) Login(ctx context.Context, username, password, deviceId, deviceName string) error {
	body := map[string]string{
		"username":   username,
		"password":   password,
		"deviceId":   deviceId,
		"deviceName": deviceName,
	}

	var result loginResult
	if err := s.post(ctx, "/client/auth/login", body, &result); err != nil {
		return err
	}
	s.Token = result.Token
	s.Sub = result.Sub
	s.Device = result.Device

	return s.ensureDeviceKey(ctx)
}

// ensureDeviceKey loads the device signing key from the keyring, or
// generates one and uploads its public half self-signed.
func (s *Session) ensureDeviceKey(ctx context.Context) error {
	if pemStr := s.keyring.DevicePrivateKey(); pemStr != "" {
		key, err := crypto.ParsePrivateKey(pemStr)
		if err != nil {
			return err
		}
		s.deviceKey = key
		if s.Device.PublicKey != nil {
			return nil
		}
		// Key on disk but never uploaded: fall through to upload.
	} else {
		_, privatePEM, err := crypto.GenerateKeyPair(2048)
		if err != nil {
			return err
		}
		key, err := crypto.ParsePrivateKey(privatePEM)
		if err != nil {
			return err
		}
		if err := s.keyring.SetDevicePrivateKey(privatePEM); err != nil {
			return err
		}
		s.deviceKey = key
	}

	publicPEM := crypto.EncodePublicKey(&s.deviceKey.PublicKey)
	payload, err := crypto.Payload(publicPEM)
	if err != nil {
		return err
	}
	signature, err := crypto.Sign(s.deviceKey, payload)
	if err != nil {
		return err
	}

	body := map[string]string{"publicKey": publicPEM, "signature": signature}
	var key models.DeviceKey
	if err := s.post(ctx, "/client/keys", body, &key); err != nil {
		return err
	}
	s.Device.PublicKey = &key
	return nil
}

func (s *Session) Rooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := s.get(ctx, "/client/rooms", &rooms)
	return rooms, err
}

func (s *Session) Room(ctx context.Context, roomId string) (models.Room, error) {
	var room models.Room
	err := s.get(ctx, "/client/rooms/"+roomId, &room)
	return room, err
}

func (s *Session) CreateRoom(ctx context.Context, name, description, visibility, password string, directMessage bool, invites []string) (models.Room, error) {
	body := map[string]any{
		"roomName":        name,
		"roomDescription": description,
		"roomVisibility":  visibility,
		"roomPassword":    password,
		"directMessage":   directMessage,
		"invites":         invites,
	}
	var room models.Room
	err := s.post(ctx, "/client/rooms", body, &room)
	return room, err
}

func (s *Session) JoinRoom(ctx context.Context, roomId, roomPassword string) (models.Room, error) {
	body := map[string]string{"roomId": roomId, "roomPassword": roomPassword}
	var room models.Room
	err := s.post(ctx, "/client/rooms/join", body, &room)
	return room, err
}

func (s *Session) AcceptInvitation(ctx context.Context, roomId string) (models.Room, error) {
	var room models.Room
	err := s.post(ctx, "/client/rooms/"+roomId+"/accept", nil, &room)
	return room, err
}

func (s *Session) LeaveRoom(ctx context.Context, roomId string) error {
	return s.do(ctx, http.MethodDelete, "/client/rooms/"+roomId, nil, nil)
}

func (s *Session) RequestRoomSync(ctx context.Context, roomId string) error {
	return s.post(ctx, "/client/rooms/"+roomId+"/sync", nil, nil)
}

func (s *Session) Messages(ctx context.Context, roomId string, page int) ([]models.RoomMessage, error) {
	var messages []models.RoomMessage
	err := s.get(ctx, fmt.Sprintf("/client/rooms/%s/messages?page=%d", roomId, page), &messages)
	return messages, err
}

// SendMessage signs content with the device key and posts it as-is.
// Use SendEncryptedMessage for DM rooms.
func (s *Session) SendMessage(ctx context.Context, roomId, content string) (models.RoomMessage, error) {
	return s.sendMessage(ctx, roomId, content, nil)
}

// SendEncryptedMessage seals the plaintext under the room's established
// secret; the signature covers the ciphertext, so relaying servers can
// verify authorship without reading the message.
func (s *Session) SendEncryptedMessage(ctx context.Context, roomId, plaintext string) (models.RoomMessage, error) {
	secret, ok := s.keyring.Secret(roomId)
	if !ok {
		return models.RoomMessage{}, fmt.Errorf("no established secret for room %s", roomId)
	}

	sealed, err := crypto.EncryptMessage(plaintext, secret.Secret)
	if err != nil {
		return models.RoomMessage{}, err
	}

	return s.sendMessage(ctx, roomId, sealed.Ciphertext, &models.MessageEncryption{
		IV:      sealed.IV,
		AuthTag: sealed.AuthTag,
		Salt:    sealed.Salt,
	})
}

// DecryptMessage opens an encrypted room message with the stored secret.
// An ErrDecrypt invalidates the secret so the next exchange pass re-keys.
func (s *Session) DecryptMessage(msg models.RoomMessage) (string, error) {
	if msg.Encryption == nil {
		return msg.Body.Content, nil
	}

	secret, ok := s.keyring.Secret(msg.Room)
	if !ok {
		return "", crypto.ErrDecrypt
	}

	plaintext, err := crypto.DecryptMessage(&crypto.EncryptedMessage{
		Ciphertext: msg.Body.Content,
		IV:         msg.Encryption.IV,
		AuthTag:    msg.Encryption.AuthTag,
		Salt:       msg.Encryption.Salt,
	}, secret.Secret)
	if err != nil {
		s.keyring.DeleteSecret(msg.Room)
		s.keyring.DeleteExchange(msg.Room)
		return "", err
	}
	return plaintext, nil
}

func (s *Session) sendMessage(ctx context.Context, roomId, content string, encryption *models.MessageEncryption) (models.RoomMessage, error) {
	if s.deviceKey == nil {
		return models.RoomMessage{}, fmt.Errorf("no device key loaded")
	}

	payload, err := crypto.Payload(content)
	if err != nil {
		return models.RoomMessage{}, err
	}
	signature, err := crypto.Sign(s.deviceKey, payload)
	if err != nil {
		return models.RoomMessage{}, err
	}

	body := map[string]any{
		"content":   content,
		"signature": signature,
	}
	if encryption != nil {
		body["encryption"] = encryption
	}

	var message models.RoomMessage
	err = s.post(ctx, "/client/rooms/"+roomId+"/messages", body, &message)
	return message, err
}

func (s *Session) submitDHKey(ctx context.Context, roomId, publicHex string) (models.Room, error) {
	body := map[string]string{"publicKey": publicHex}
	var room models.Room
	err := s.do(ctx, http.MethodPut, "/client/rooms/"+roomId+"/dh/submit", body, &room)
	return room, err
}

func (s *Session) get(ctx context.Context, path string, out any) error {
	return s.do(ctx, http.MethodGet, path, nil, out)
}

func (s *Session) post(ctx context.Context, path string, body any, out any) error {
	return s.do(ctx, http.MethodPost, path, body, out)
}

func (s *Session) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var wire models.WireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return err
	}

	if wire.Status != models.StatusOK {
		if wire.Message != "" {
			return models.NewApiError(models.ApiMessage(wire.Message))
		}
		return models.NewApiError(models.MsgUnknownError)
	}

	if out != nil && wire.Data != nil {
		return json.Unmarshal(wire.Data, out)
	}
	return nil
}
