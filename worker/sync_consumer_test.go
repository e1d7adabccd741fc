package worker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	cachemocks "github.com/segment-chat/segment/cache/mocks"
	"github.com/segment-chat/segment/federation"
	fedmocks "github.com/segment-chat/segment/federation/mocks"
	"github.com/segment-chat/segment/models"
	"github.com/segment-chat/segment/mq"
	mqmocks "github.com/segment-chat/segment/mq/mocks"
	"github.com/segment-chat/segment/service"
	storemocks "github.com/segment-chat/segment/store/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func setupConsumer(t *testing.T) (*SyncConsumer, *mqmocks.MockMQ) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)

	mockMQ := new(mqmocks.MockMQ)
	directory := federation.NewDirectory(nil, nil, true)
	svc := service.NewService(
		new(storemocks.MockStore),
		new(cachemocks.MockCache),
		mockMQ,
		new(fedmocks.MockTrustPolicy),
		directory,
		federation.NewClient("a.example", key, directory, directory),
		"a.example",
		[]byte("secret"),
		true,
		key,
	)

	return NewSyncConsumer(mockMQ, svc), mockMQ
}

func TestSyncConsumer_StopsOnShutdown(t *testing.T) {
	consumer, mockMQ := setupConsumer(t)

	ctx, cancel := context.WithCancel(context.Background())
	mockMQ.On("Receive", mock.Anything, int32(60)).Run(func(args mock.Arguments) {
		cancel()
	}).Return(nil, context.Canceled)

	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "consumer did not stop on context cancellation")
	}
}

func TestSyncConsumer_DeletesDeterministicallyFailedSync(t *testing.T) {
	consumer, mockMQ := setupConsumer(t)

	// A local room id cannot be synced; the failure repeats on every
	// redelivery, so the message must still be deleted.
	msg := &mq.Message{Id: "msg-1", Body: `{"roomId":"room-1"}`}

	mockMQ.On("Receive", mock.Anything, int32(60)).Return(msg, nil).Once()
	deleted := make(chan struct{})
	mockMQ.On("Delete", mock.Anything, msg).Run(func(args mock.Arguments) {
		close(deleted)
	}).Return(nil).Once()
	mockMQ.On("Receive", mock.Anything, int32(60)).Return(nil, context.Canceled)

	go consumer.Run(context.Background())

	select {
	case <-deleted:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for message delete")
	}
	mockMQ.AssertExpectations(t)
}

func TestSyncConsumer_DeletesMalformedMessage(t *testing.T) {
	consumer, mockMQ := setupConsumer(t)

	// A body that never parses fails identically on every redelivery;
	// the only way off the queue is deletion.
	msg := &mq.Message{Id: "msg-1", Body: "not-json"}

	mockMQ.On("Receive", mock.Anything, int32(60)).Return(msg, nil).Once()
	deleted := make(chan struct{})
	mockMQ.On("Delete", mock.Anything, msg).Run(func(args mock.Arguments) {
		close(deleted)
	}).Return(nil).Once()
	mockMQ.On("Receive", mock.Anything, int32(60)).Return(nil, context.Canceled)

	go consumer.Run(context.Background())

	select {
	case <-deleted:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for malformed message delete")
	}
	mockMQ.AssertExpectations(t)
}

func TestSyncConsumer_LeavesTransientFailureForRedelivery(t *testing.T) {
	consumer, mockMQ := setupConsumer(t)

	// The room's home host is unreachable; the sync may succeed once it
	// is back, so the message must stay queued for redelivery.
	msg := &mq.Message{Id: "msg-1", Body: `{"roomId":"127.0.0.1:1:room-1"}`}

	mockMQ.On("Receive", mock.Anything, int32(60)).Return(msg, nil).Once()
	mockMQ.On("Receive", mock.Anything, int32(60)).Return(nil, context.Canceled)

	done := make(chan struct{})
	go func() {
		consumer.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		assert.Fail(t, "timed out waiting for consumer to stop")
	}
	mockMQ.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestTransientSyncError(t *testing.T) {
	assert.True(t, transientSyncError(models.NewApiError(models.MsgHostOffline)))
	assert.True(t, transientSyncError(models.NewApiError(models.MsgInvalidOrOfflineHost)))
	assert.True(t, transientSyncError(context.DeadlineExceeded))

	assert.False(t, transientSyncError(models.NewApiError(models.MsgNotPossible)))
	assert.False(t, transientSyncError(models.NewApiError(models.MsgRoomNotFound)))
	assert.False(t, transientSyncError(models.NewApiError(models.MsgInvalidOrigin)))
}

func TestSyncConsumer_SkipsEmptyReceives(t *testing.T) {
	consumer, mockMQ := setupConsumer(t)

	received := make(chan struct{})
	mockMQ.On("Receive", mock.Anything, int32(60)).Return(nil, nil).Once().Run(func(args mock.Arguments) {
		close(received)
	})
	mockMQ.On("Receive", mock.Anything, int32(60)).Return(nil, context.Canceled)

	go consumer.Run(context.Background())

	select {
	case <-received:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for receive")
	}
	mockMQ.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}
