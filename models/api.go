package models

import (
	"encoding/json"
	"strings"
)

type ApiStatus string

const (
	StatusOK   ApiStatus = "OK"
	StatusFail ApiStatus = "FAIL"
)

// ApiMessage is a typed, user-presentable failure (or info) code.
type ApiMessage string

const (
	MsgValidationError      ApiMessage = "VALIDATION_ERROR"
	MsgUnauthorized         ApiMessage = "UNAUTHORIZED"
	MsgNotPossible          ApiMessage = "NOT_POSSIBLE"
	MsgInvalidOrigin        ApiMessage = "INVALID_ORIGIN"
	MsgRoomNotFound         ApiMessage = "ROOM_NOT_FOUND"
	MsgPasswordRequired     ApiMessage = "PASSWORD_REQUIRED"
	MsgPasswordIncorrect    ApiMessage = "PASSWORD_INCORRECT"
	MsgUserAlreadyJoined    ApiMessage = "USER_ALREADY_JOINED"
	MsgInvalidHost          ApiMessage = "INVALID_HOST"
	MsgInvalidOrOfflineHost ApiMessage = "INVALID_OR_OFFLINE_HOST"
	MsgUnknownError         ApiMessage = "UNKNOWN_ERROR"
	MsgHostBlocked          ApiMessage = "HOST_BLOCKED"
	MsgHostOffline          ApiMessage = "HOST_OFFLINE"
	MsgInvalidKeys          ApiMessage = "INVALID_KEYS"
	MsgPublicKeyRequired    ApiMessage = "PUBLIC_KEY_REQUIRED"
	MsgInvalidSignature     ApiMessage = "INVALID_SIGNATURE"
	MsgEmptyMessage         ApiMessage = "EMPTY_MESSAGE"
	MsgUsernameExists       ApiMessage = "USERNAME_EXISTS"
	MsgUserNotFound         ApiMessage = "USER_NOT_FOUND"
	MsgRegistrationDisabled ApiMessage = "REGISTRATION_DISABLED"
)

// ApiError carries an ApiMessage through Go error returns.
type ApiError struct {
	Message ApiMessage
}

func (e *ApiError) Error() string {
	return string(e.Message)
}

func NewApiError(msg ApiMessage) *ApiError {
	return &ApiError{Message: msg}
}

// ApiResponse is the uniform wire shape of every endpoint, client-facing
// and federated alike. Signature is populated only on server-to-server
// responses that carry data.
type ApiResponse struct {
	Status    ApiStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

// WireResponse is the inbound counterpart: Data stays raw so the
// canonical hash can be recomputed before anything is trusted.
type WireResponse struct {
	Status    ApiStatus       `json:"status"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Envelope is the signed request wrapper for server-to-server calls.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// Subject builds a fully qualified user identity.
func Subject(username, host string) string {
	return username + "@" + host
}

// SplitSubject splits `name@host`. Host is empty when unqualified.
func SplitSubject(sub string) (username, host string) {
	if i := strings.LastIndex(sub, "@"); i >= 0 {
		return sub[:i], sub[i+1:]
	}
	return sub, ""
}

// SplitRoomId parses `<uuid>[:<host>]` at the first colon. DM prefixes
// (`dm!<uuid>`) pass through as part of the id segment.
func SplitRoomId(roomId string) (id, host string) {
	if i := strings.Index(roomId, ":"); i >= 0 {
		return roomId[:i], roomId[i+1:]
	}
	return roomId, ""
}

// NamespacedRoomId is the local id of a room copied from a foreign host.
func NamespacedRoomId(host, id string) string {
	return host + ":" + id
}
