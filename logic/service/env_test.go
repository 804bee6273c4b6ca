package service

import (
	"testing"

	"github.com/ceyewan/genesis/clog"
)

type testEnv struct {
	store    *memStore
	reg      *fakeRegistry
	emit     *recordingEmitter
	notes    *recordingNotifier
	blobs    *recordingBlobs
	guard    *Guard
	messages *MessageService
	presence *PresenceService
	rooms    *RoomService
	typing   *TypingAggregator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := clog.Discard()
	e := &testEnv{
		store: newMemStore(),
		reg:   newFakeRegistry(),
		emit:  &recordingEmitter{},
		notes: &recordingNotifier{},
		blobs: &recordingBlobs{},
	}
	e.guard = NewGuard(e.store, logger)
	e.messages = NewMessageService(e.guard, e.store, e.store, e.store, e.reg, e.emit, e.notes, e.blobs, logger)
	e.presence = NewPresenceService(e.store, e.store, e.store, e.store, e.reg, e.emit, NewMemberPolicy(e.store), logger)
	e.rooms = NewRoomService(e.store, e.store, e.store, logger)
	e.typing = NewTypingAggregator(e.guard, e.emit, logger)
	return e
}
