package service

import (
	"context"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

// Conversations reads and maintains per-counterpart threads. Threads are
// created and counted by the store in the same transaction that records a
// message (CommitOutbound, InsertInbound).
type Conversations struct {
	devices repo.DeviceRepository
	convs   repo.ConversationRepository
}

func NewConversations(devices repo.DeviceRepository, convs repo.ConversationRepository) *Conversations {
	return &Conversations{devices: devices, convs: convs}
}

func (s *Conversations) List(ctx context.Context, ownerID, deviceID string, limit, offset int) ([]model.Conversation, error) {
	if _, err := ownedDevice(ctx, s.devices, ownerID, deviceID); err != nil {
		return nil, err
	}
	return s.convs.ListConversations(ctx, deviceID, limit, offset)
}

func (s *Conversations) owned(ctx context.Context, ownerID, id string) (*model.Conversation, error) {
	c, err := s.convs.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ownedDevice(ctx, s.devices, ownerID, c.DeviceID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.NotFound("conversation %s not found", id)
		}
		return nil, err
	}
	return c, nil
}

// Messages returns the thread's messages oldest first.
func (s *Conversations) Messages(ctx context.Context, ownerID, id string, limit, offset int) ([]model.Message, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.convs.ConversationMessages(ctx, id, limit, offset)
}

// MarkRead zeroes the unread counter. Calling it again is harmless.
func (s *Conversations) MarkRead(ctx context.Context, ownerID, id string) (*model.Conversation, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if err := s.convs.MarkConversationRead(ctx, id); err != nil {
		return nil, err
	}
	return s.convs.GetConversation(ctx, id)
}

func (s *Conversations) SetStatus(ctx context.Context, ownerID, id string, status model.ConversationStatus) (*model.Conversation, error) {
	if status != model.ConversationActive && status != model.ConversationArchived {
		return nil, apperr.Validation("unknown conversation status %q", status)
	}
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if err := s.convs.SetConversationStatus(ctx, id, status); err != nil {
		return nil, err
	}
	return s.convs.GetConversation(ctx, id)
}
