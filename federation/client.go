package federation

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"

	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
)

// JoinRequest is the signed body of a server-to-server join.
type JoinRequest struct {
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	RoomId       string `json:"roomId"`
	RoomPassword string `json:"roomPassword,omitempty"`
	User         string `json:"user"`
}

// SyncRequest is the signed body of a server-to-server history sync.
type SyncRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	RoomId      string `json:"roomId"`
}

// Client performs outbound federated calls: every request body is a
// signed envelope under this server's key, and every response envelope
// is verified against the target host's server key before any content
// is used.
type Client struct {
	self       string
	privateKey *rsa.PrivateKey
	trust      TrustPolicy
	directory  *Directory
	httpClient *http.Client
}

func NewClient(self string, privateKey *rsa.PrivateKey, trust TrustPolicy, directory *Directory) *Client {
	return &Client{
		self:       self,
		privateKey: privateKey,
		trust:      trust,
		directory:  directory,
		httpClient: newFederationHTTPClient(),
	}
}

func (c *Client) Self() string {
	return c.self
}

// JoinRoom asks a remote host to add user to one of its rooms. Transport
// failures and blocklist hits surface before any envelope is built; an
// unverifiable response envelope is discarded entirely.
func (c *Client) JoinRoom(ctx context.Context, host string, roomId string, roomPassword string, user string) (models.Room, error) {
	req := JoinRequest{
		Origin:       c.self,
		Destination:  host,
		RoomId:       roomId,
		RoomPassword: roomPassword,
		User:         user,
	}

	var room models.Room
	if err := c.postSigned(ctx, host, "/server/rooms/join", req, &room); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// SyncRoom fetches a room's message history from its hosting server. The
// messages still need per-message verification by the caller.
func (c *Client) SyncRoom(ctx context.Context, host string, roomId string) ([]models.RoomMessage, error) {
	req := SyncRequest{
		Origin:      c.self,
		Destination: host,
		RoomId:      roomId,
	}

	var messages []models.RoomMessage
	if err := c.postSigned(ctx, host, "/server/rooms/sync", req, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) postSigned(ctx context.Context, host string, path string, body any, out any) error {
	if c.directory.ShouldBlockRequest(host) {
		return models.NewApiError(models.MsgInvalidHost)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	payload, err := crypto.Payload(json.RawMessage(raw))
	if err != nil {
		return err
	}
	signature, err := crypto.Sign(c.privateKey, payload)
	if err != nil {
		return err
	}

	envelope, err := json.Marshal(models.Envelope{
		Data:      raw,
		Signature: signature,
	})
	if err != nil {
		return err
	}

	target := c.directory.scheme + "://" + host + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(envelope))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NewApiError(models.MsgInvalidOrOfflineHost)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return models.NewApiError(models.MsgInvalidOrOfflineHost)
	}

	var resp models.WireResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return models.NewApiError(models.MsgInvalidOrOfflineHost)
	}

	if resp.Status != models.StatusOK {
		if resp.Message != "" {
			return models.NewApiError(models.ApiMessage(resp.Message))
		}
		return models.NewApiError(models.MsgUnknownError)
	}
	if resp.Data == nil {
		return models.NewApiError(models.MsgUnknownError)
	}

	serverKey, err := c.trust.ServerKey(ctx, host)
	if err != nil {
		return models.NewApiError(models.MsgUnknownError)
	}
	if !verifyWireResponse(serverKey, &resp) {
		// Never act on unverified federated content
		return models.NewApiError(models.MsgUnknownError)
	}

	return json.Unmarshal(resp.Data, out)
}
