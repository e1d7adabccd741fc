package mocks

import (
	"context"

	"github.com/segment-chat/segment/models"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateUser(ctx context.Context, user models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockStore) GetUser(ctx context.Context, username string) (models.User, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockStore) UpdateUserDevices(ctx context.Context, username string, devices []models.Device) error {
	args := m.Called(ctx, username, devices)
	return args.Error(0)
}

func (m *MockStore) UpdateUserLogin(ctx context.Context, username string, loginDate string) error {
	args := m.Called(ctx, username, loginDate)
	return args.Error(0)
}

func (m *MockStore) CreateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	args := m.Called(ctx, room)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockStore) GetRoom(ctx context.Context, roomId string) (models.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockStore) GetRoomsForParticipant(ctx context.Context, sub string) ([]models.Room, error) {
	args := m.Called(ctx, sub)
	return args.Get(0).([]models.Room), args.Error(1)
}

func (m *MockStore) GetPublicRooms(ctx context.Context) ([]models.Room, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Room), args.Error(1)
}

func (m *MockStore) UpdateRoomParticipants(ctx context.Context, roomId string, participants []models.Participant, version int) (models.Room, error) {
	args := m.Called(ctx, roomId, participants, version)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockStore) UpdateRoomEphemeral(ctx context.Context, roomId string, ephemeral []models.EphemeralEntry, version int) (models.Room, error) {
	args := m.Called(ctx, roomId, ephemeral, version)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockStore) DeleteRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func (m *MockStore) SaveMessage(ctx context.Context, message models.RoomMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockStore) GetMessages(ctx context.Context, roomId string, page int, pageSize int) ([]models.RoomMessage, error) {
	args := m.Called(ctx, roomId, page, pageSize)
	return args.Get(0).([]models.RoomMessage), args.Error(1)
}

func (m *MockStore) GetAllMessages(ctx context.Context, roomId string) ([]models.RoomMessage, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).([]models.RoomMessage), args.Error(1)
}
