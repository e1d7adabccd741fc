package models

// ParticipantStatus tracks whether a room member has accepted their spot.
type ParticipantStatus int

const (
	StatusActive ParticipantStatus = iota
	StatusInvited
)

type Participant struct {
	Sub    string            `json:"sub"`
	Status ParticipantStatus `json:"status"`
}

// EphemeralEntry is one participant's submitted Diffie-Hellman public value
// on a direct-message room. At most one live entry per subject.
type EphemeralEntry struct {
	Sub       string `json:"sub"`
	Key       string `json:"key"`
	Timestamp string `json:"ts"`
	Relayed   bool   `json:"rel"`
}

// DMPrefix marks direct-message room ids. DM rooms always have exactly two
// participant subjects.
const DMPrefix = "dm!"

type Room struct {
	Id           string        `json:"id"`
	Participants []Participant `json:"participants"`

	RoomName        string `json:"roomName"`
	RoomDescription string `json:"roomDescription,omitempty"`
	RoomVisibility  string `json:"roomVisibility"`
	// Argon2id hash, never the plaintext.
	RoomPassword string `json:"roomPassword,omitempty"`

	CreatedAt string `json:"createdAt"`

	Ephemeral []EphemeralEntry `json:"_ephemeral,omitempty"`

	// Version is the optimistic-concurrency counter for participant and
	// ephemeral mutations. Not part of the federation wire shape.
	Version int `json:"-"`
}

func (r *Room) IsDM() bool {
	return len(r.Id) >= len(DMPrefix) && r.Id[:len(DMPrefix)] == DMPrefix
}

func (r *Room) FindParticipant(sub string) int {
	for i, p := range r.Participants {
		if p.Sub == sub {
			return i
		}
	}
	return -1
}

func (r *Room) FindEphemeral(sub string) int {
	for i, e := range r.Ephemeral {
		if e.Sub == sub {
			return i
		}
	}
	return -1
}

type MessageEncryption struct {
	IV      string `json:"iv"`
	AuthTag string `json:"authTag"`
	Salt    string `json:"salt"`
}

type MessageBody struct {
	// Content is the wire content: ciphertext when encryption is applied,
	// plaintext otherwise. Signatures are always over this field.
	Content   string `json:"content"`
	Signature string `json:"signature"`
}

type RoomMessage struct {
	Room   string      `json:"room"`
	Id     string      `json:"id"`
	Sender string      `json:"sender"`
	Body   MessageBody `json:"body"`

	Encryption *MessageEncryption `json:"encryption,omitempty"`

	// Verified is only ever set on federated ingestion: nil for
	// self-authored messages, true/false after checking the claimed
	// sender's published keys.
	Verified *bool `json:"verified,omitempty"`

	Timestamp string `json:"timestamp"`
}

type DeviceKey struct {
	Id      string `json:"id"`
	Content string `json:"content"`
}

type DeprecatedKey struct {
	PublicKey    string `json:"publicKey"`
	DeprecatedAt string `json:"deprecatedAt"`
}

// Device holds at most one current public key; rotated keys move to
// Deprecated and remain valid for verifying older signatures.
type Device struct {
	DeviceId   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName,omitempty"`
	PublicKey  *DeviceKey      `json:"publicKey,omitempty"`
	Deprecated []DeprecatedKey `json:"deprecated"`
}

type User struct {
	Username string `json:"username"`
	// Argon2id hash.
	Password string `json:"-"`

	RegisterDate string `json:"registerDate"`
	LoginDate    string `json:"loginDate"`
	LastSeen     string `json:"lastSeen"`

	Devices []Device `json:"devices"`
}

func (u *User) FindDevice(deviceId string) int {
	for i, d := range u.Devices {
		if d.DeviceId == deviceId {
			return i
		}
	}
	return -1
}

// UserKeys is the per-device key listing served by the federation key
// directory.
type UserKeys struct {
	PublicKey  *DeviceKey      `json:"publicKey"`
	Deprecated []DeprecatedKey `json:"deprecated"`
}
