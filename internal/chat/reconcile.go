package chat

import (
	"context"
	"errors"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
	"eventchat/internal/resilience"
)

func (s *Service) handleChange(ev domain.ChangeEvent) {
	switch ev.Type {
	case domain.ChangeInsert:
		row, err := domain.DecodeMessageRow(ev.New)
		if err != nil {
			s.drop("insert_parse", ev, err)
			return
		}
		s.OnRemoteInsert(s.ctx, row)
	case domain.ChangeUpdate:
		row, err := domain.DecodeMessageRow(ev.New)
		if err != nil {
			s.drop("update_parse", ev, err)
			return
		}
		s.OnRemoteUpdate(row)
	case domain.ChangeDelete:
		id, err := domain.DecodeDeletedID(ev.Old)
		if err != nil {
			s.drop("delete_parse", ev, err)
			return
		}
		s.OnRemoteDelete(ev.ConversationID, id)
	default:
		s.drop("unknown_type", ev, nil)
	}
}

func (s *Service) drop(reason string, ev domain.ChangeEvent, err error) {
	metrics.DroppedEvents.WithLabelValues(reason).Inc()
	s.logger.Warn("dropping change event", "conversation", ev.ConversationID, "type", ev.Type, "reason", reason, "err", err)
}

// OnRemoteInsert reconciles a change-feed insert. Messages already cached
// (the local writer's own sends) are discarded. Otherwise the author and
// reply preview are resolved and the message is inserted in order. It
// reports whether the view changed.
func (s *Service) OnRemoteInsert(ctx context.Context, row domain.MessageRow) bool {
	convID := row.ConversationID
	s.touch(convID)
	if s.cache.Has(convID, row.ID) {
		metrics.EchoesDeduplicated.Inc()
		s.logger.Debug("echo deduplicated", "conversation", convID, "message", row.ID)
		return false
	}
	gen := s.generation(convID)

	author := s.resolveAuthor(ctx, row.UserID)
	var reply *domain.ReplyPreview
	if row.ReplyToID != nil && *row.ReplyToID != "" {
		reply = s.resolveReply(ctx, convID, *row.ReplyToID)
	}

	if !s.current(convID, gen) {
		return false
	}
	msg := row.ToMessage(author, reply)
	if !s.cache.Insert(msg) {
		metrics.EchoesDeduplicated.Inc()
		return false
	}
	s.emit(convID, Inserted{Message: msg})
	return true
}

// OnRemoteUpdate replaces a cached message in place, keeping its resolved
// author and reply preview. Unknown messages are dropped.
func (s *Service) OnRemoteUpdate(row domain.MessageRow) bool {
	s.touch(row.ConversationID)
	cached, ok := s.cache.Get(row.ConversationID, row.ID)
	if !ok {
		metrics.DroppedEvents.WithLabelValues("unknown_update").Inc()
		return false
	}
	msg := row.ToMessage(cached.Author, cached.ReplyTo)
	if !s.cache.Replace(msg) {
		return false
	}
	s.emit(row.ConversationID, Edited{Message: msg})
	return true
}

// OnRemoteDelete removes a message from the view. Repeated deletes are no-ops.
func (s *Service) OnRemoteDelete(conversationID, messageID string) bool {
	s.touch(conversationID)
	if !s.cache.Remove(conversationID, messageID) {
		return false
	}
	s.emit(conversationID, Deleted{ConversationID: conversationID, MessageID: messageID})
	return true
}

// resolveAuthor falls back to a bare author when the profile lookup fails.
func (s *Service) resolveAuthor(ctx context.Context, userID string) domain.Author {
	author, err := resilience.Deduplicate(ctx, s.cfg.Dedup, "profile:"+userID, func(ctx context.Context) (domain.Author, error) {
		return resilience.Retry(ctx, s.cfg.Retrier, "get_profile", func(ctx context.Context) (domain.Author, error) {
			return s.cfg.Store.GetProfile(ctx, userID)
		})
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("author lookup failed", "user", userID, "err", err)
		}
		return domain.Author{ID: userID}
	}
	return author
}

// resolveReply prefers the cached copy of the replied-to message. A missing
// or deleted parent yields no preview.
func (s *Service) resolveReply(ctx context.Context, conversationID, replyToID string) *domain.ReplyPreview {
	if parent, ok := s.cache.Get(conversationID, replyToID); ok {
		return preview(parent)
	}
	parent, err := resilience.Deduplicate(ctx, s.cfg.Dedup, "message:"+replyToID, func(ctx context.Context) (domain.Message, error) {
		return resilience.Retry(ctx, s.cfg.Retrier, "get_message", func(ctx context.Context) (domain.Message, error) {
			return s.cfg.Store.GetMessage(ctx, replyToID)
		})
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("reply lookup failed", "message", replyToID, "err", err)
		}
		return nil
	}
	return preview(parent)
}

func preview(m domain.Message) *domain.ReplyPreview {
	return &domain.ReplyPreview{ID: m.ID, Content: m.Content, SenderID: m.SenderID}
}
