package store

import (
	"context"
	"errors"

	"github.com/segment-chat/segment/models"
)

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrItemExists      = errors.New("item already exists")
	ErrConditionFailed = errors.New("conditional update failed")
)

// SegmentStore is the persistence boundary. Room mutations carry the
// version the caller read; implementations must reject stale writes with
// ErrConditionFailed so callers can re-read and retry.
type SegmentStore interface {
	CreateUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, username string) (models.User, error)
	UpdateUserDevices(ctx context.Context, username string, devices []models.Device) error
	UpdateUserLogin(ctx context.Context, username string, loginDate string) error

	CreateRoom(ctx context.Context, room models.Room) (models.Room, error)
	GetRoom(ctx context.Context, roomId string) (models.Room, error)
	GetRoomsForParticipant(ctx context.Context, sub string) ([]models.Room, error)
	GetPublicRooms(ctx context.Context) ([]models.Room, error)
	UpdateRoomParticipants(ctx context.Context, roomId string, participants []models.Participant, version int) (models.Room, error)
	UpdateRoomEphemeral(ctx context.Context, roomId string, ephemeral []models.EphemeralEntry, version int) (models.Room, error)
	DeleteRoom(ctx context.Context, roomId string) error

	SaveMessage(ctx context.Context, message models.RoomMessage) error
	GetMessages(ctx context.Context, roomId string, page int, pageSize int) ([]models.RoomMessage, error)
	GetAllMessages(ctx context.Context, roomId string) ([]models.RoomMessage, error)
}
