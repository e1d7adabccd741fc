package client

import (
	"context"
	"log"
	"time"

	"github.com/segment-chat/segment/crypto"
	"github.com/segment-chat/segment/models"
)

// RunKeyExchange walks every direct-message room and advances its key
// agreement: submit our public value if missing, derive the shared
// secret once both values are posted, and re-key when the peer rotated.
// The pass is idempotent and safe to run on every refresh push or poll.
func (s *Session) RunKeyExchange(ctx context.Context) error {
	rooms, err := s.Rooms(ctx)
	if err != nil {
		return err
	}

	for _, room := range rooms {
		if !room.IsDM() {
			continue
		}
		if !s.acquireLease(room.Id) {
			continue
		}
		if err := s.exchangeRoom(ctx, room); err != nil {
			log.Printf("key exchange for room %s: %v", room.Id, err)
		}
	}
	return nil
}

// acquireLease returns false while a recent pass over the room is still
// fresh, so overlapping passes do not double-submit keypairs. Check and
// renewal happen under one lock; concurrent callers see each other's
// leases.
func (s *Session) acquireLease(roomId string) bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	now := time.Now()
	if expiry, ok := s.leases[roomId]; ok && now.Before(expiry) {
		return false
	}
	s.leases[roomId] = now.Add(s.leaseTTL)
	return true
}

func (s *Session) exchangeRoom(ctx context.Context, room models.Room) error {
	ownKey := ""
	if idx := room.FindEphemeral(s.Sub); idx >= 0 {
		ownKey = room.Ephemeral[idx].Key
	}
	peerKey := s.peerKey(room)

	// Established secret still matching the peer's posted value: done.
	if secret, ok := s.keyring.Secret(room.Id); ok {
		if peerKey != "" && peerKey == secret.PeerKey {
			return nil
		}
		// Peer rotated their value, the secret is stale.
		if err := s.keyring.DeleteSecret(room.Id); err != nil {
			return err
		}
	}

	rec, haveExchange := s.keyring.Exchange(room.Id)

	// No persisted exchange, or the posted value is not ours (keyring
	// reset): start over with a fresh keypair.
	if !haveExchange || (ownKey != "" && ownKey != rec.Public) {
		exchange, err := crypto.NewExchange()
		if err != nil {
			return err
		}
		rec = ExchangeRecord{
			Room:    room.Id,
			Private: exchange.PrivateHex(),
			Public:  exchange.PublicHex(),
		}
		if err := s.keyring.PutExchange(rec); err != nil {
			return err
		}
		ownKey = ""
	}

	if ownKey == "" {
		updated, err := s.submitDHKey(ctx, room.Id, rec.Public)
		if err != nil {
			return err
		}
		peerKey = s.peerKey(updated)
	}

	if peerKey == "" {
		// Waiting on the other side.
		return nil
	}

	exchange, err := crypto.RestoreExchange(rec.Private, rec.Public)
	if err != nil {
		return err
	}
	secret, err := exchange.SharedSecret(peerKey)
	if err != nil {
		return err
	}

	return s.keyring.PutSecret(SecretRecord{
		Room:          room.Id,
		Secret:        secret,
		PeerKey:       peerKey,
		EstablishedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// peerKey picks the other side's posted value in a two-party room.
func (s *Session) peerKey(room models.Room) string {
	for _, entry := range room.Ephemeral {
		if entry.Sub != s.Sub {
			return entry.Key
		}
	}
	return ""
}
