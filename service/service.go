package service

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"time"

	"github.com/segment-chat/segment/cache"
	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/federation"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/mq"
	"github.com/segment-chat/segment/store"
)

type Service struct {
	Store      store.SegmentStore
	Cache      cache.SegmentCache
	MQ         mq.MessageQueue
	Trust      federation.TrustPolicy
	Directory  *federation.Directory
	Federation *federation.Client

	Hostname          string
	JWTSecret         []byte
	AllowRegistration bool

	PrivateKey   *rsa.PrivateKey
	PublicKeyPEM string
}

func NewService(
	segmentStore store.SegmentStore,
	segmentCache cache.SegmentCache,
	messageQueue mq.MessageQueue,
	trust federation.TrustPolicy,
	directory *federation.Directory,
	federationClient *federation.Client,
	hostname string,
	jwtSecret []byte,
	allowRegistration bool,
	privateKey *rsa.PrivateKey,
) *Service {
	return &Service{
		Store:             segmentStore,
		Cache:             segmentCache,
		MQ:                messageQueue,
		Trust:             trust,
		Directory:         directory,
		Federation:        federationClient,
		Hostname:          hostname,
		JWTSecret:         jwtSecret,
		AllowRegistration: allowRegistration,
		PrivateKey:        privateKey,
		PublicKeyPEM:      crypto.EncodePublicKey(&privateKey.PublicKey),
	}
}

// Caller identifies who is acting: a local user (Origin == "") or a user
// relayed by a remote host. Sub is always fully qualified.
type Caller struct {
	Sub    string
	Device string
	Origin string
}

func (c Caller) IsLocal() bool {
	return c.Origin == ""
}

// LocalCaller qualifies a same-host user.
func (s *Service) LocalCaller(username string, deviceId string) Caller {
	return Caller{
		Sub:    models.Subject(username, s.Hostname),
		Device: deviceId,
	}
}

// SignedResponse wraps data in a server-to-server response: the signature
// covers the canonical hash of the data, so any receiver can verify it
// against this server's published key.
func (s *Service) SignedResponse(data any) (models.ApiResponse, error) {
	payload, err := crypto.Payload(data)
	if err != nil {
		return models.ApiResponse{}, err
	}
	signature, err := crypto.Sign(s.PrivateKey, payload)
	if err != nil {
		return models.ApiResponse{}, err
	}
	return models.ApiResponse{
		Status:    models.StatusOK,
		Data:      data,
		Signature: signature,
	}, nil
}

// timestampLayout is fixed-width so timestamps sort lexicographically,
// which the message store relies on for ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func nowTimestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

// RefreshMessage is published on the refresh channel to tell a user's
// connected clients to re-fetch data. Fire-and-forget, at most once.
type RefreshMessage struct {
	User    string `json:"user"`
	Channel string `json:"channel"`
	Id      string `json:"id"`
}

const refreshChannel = "refresh"

// notifyLocalParticipants fans a refresh event out to every same-host
// participant except the actor. Best-effort: failures are ignored.
func (s *Service) notifyLocalParticipants(room models.Room, channel string, id string, excludeSub string) {
	for _, p := range room.Participants {
		if p.Sub == excludeSub {
			continue
		}
		username, host := models.SplitSubject(p.Sub)
		if host != s.Hostname {
			continue
		}
		msg := RefreshMessage{User: username, Channel: channel, Id: id}
		if raw, err := json.Marshal(msg); err == nil {
			s.Cache.Publish(context.Background(), refreshChannel, raw)
		}
	}
}
