package client

import (
	"encoding/json"
	"os"
	"sync"
)

// ExchangeRecord persists one side of a pending DH exchange so the
// derive phase can pick it up after the peer submits their value.
type ExchangeRecord struct {
	Room    string `json:"room"`
	Private string `json:"private"`
	Public  string `json:"public"`
}

// SecretRecord is an established room secret together with the peer
// public value it was derived from. A peer value change invalidates it.
type SecretRecord struct {
	Room          string `json:"room"`
	Secret        []byte `json:"secret"`
	PeerKey       string `json:"peerKey"`
	EstablishedAt string `json:"establishedAt"`
}

type keyringFile struct {
	DevicePrivateKey string                    `json:"devicePrivateKey,omitempty"`
	Exchanges        map[string]ExchangeRecord `json:"exchanges"`
	Secrets          map[string]SecretRecord   `json:"secrets"`
}

// Keyring is the device's local key store, backed by a single JSON file.
// Private values never leave this file.
type Keyring struct {
	mu   sync.Mutex
	path string
	data keyringFile
}

func LoadKeyring(path string) (*Keyring, error) {
	kr := &Keyring{
		path: path,
		data: keyringFile{
			Exchanges: make(map[string]ExchangeRecord),
			Secrets:   make(map[string]SecretRecord),
		},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kr, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &kr.data); err != nil {
		return nil, err
	}
	if kr.data.Exchanges == nil {
		kr.data.Exchanges = make(map[string]ExchangeRecord)
	}
	if kr.data.Secrets == nil {
		kr.data.Secrets = make(map[string]SecretRecord)
	}
	return kr, nil
}

// save must be called with mu held.
func (kr *Keyring) save() error {
	raw, err := json.MarshalIndent(kr.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(kr.path, raw, 0600)
}

func (kr *Keyring) DevicePrivateKey() string {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.data.DevicePrivateKey
}

func (kr *Keyring) SetDevicePrivateKey(pemStr string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.data.DevicePrivateKey = pemStr
	return kr.save()
}

func (kr *Keyring) Exchange(room string) (ExchangeRecord, bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	rec, ok := kr.data.Exchanges[room]
	return rec, ok
}

func (kr *Keyring) PutExchange(rec ExchangeRecord) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.data.Exchanges[rec.Room] = rec
	return kr.save()
}

func (kr *Keyring) DeleteExchange(room string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.data.Exchanges, room)
	return kr.save()
}

func (kr *Keyring) Secret(room string) (SecretRecord, bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	rec, ok := kr.data.Secrets[room]
	return rec, ok
}

func (kr *Keyring) PutSecret(rec SecretRecord) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.data.Secrets[rec.Room] = rec
	return kr.save()
}

func (kr *Keyring) DeleteSecret(room string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	delete(kr.data.Secrets, room)
	return kr.save()
}
