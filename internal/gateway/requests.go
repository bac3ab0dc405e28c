package gateway

import (
	"context"
	"errors"

	"eventchat/internal/chat"
	"eventchat/internal/domain"
)

// maxListLimit caps the rows a single list request may return.
const maxListLimit = 501

var errNoStore = errors.New("gateway has no message store")

// request runs a store frame and answers with a result push. Failures are
// encoded so that the client sees the same error kinds as a local store.
func (c *conn) request(ctx context.Context, f Frame) {
	p, err := c.serve(ctx, f)
	if err != nil {
		c.logger.Debug("gateway request failed", "type", f.Type, "ref", f.Ref, "err", err)
		c.push(errorPush(PushResult, f.Ref, err))
		return
	}
	p.Type, p.Ref = PushResult, f.Ref
	c.push(p)
}

func (c *conn) serve(ctx context.Context, f Frame) (Push, error) {
	st := c.srv.cfg.Store
	if st == nil {
		return Push{}, errNoStore
	}
	req := Request{}
	if f.Request != nil {
		req = *f.Request
	}

	switch f.Type {
	case FrameList:
		limit := req.Limit
		if limit <= 0 || limit > maxListLimit {
			limit = maxListLimit
		}
		msgs, err := st.ListMessages(ctx, req.ConversationID, domain.ListOptions{
			Limit:     limit,
			Before:    req.Before,
			BeforeID:  req.BeforeID,
			After:     req.After,
			AfterID:   req.AfterID,
			Ascending: req.Ascending,
		})
		return Push{Messages: msgs}, err
	case FrameGetMessage:
		msg, err := st.GetMessage(ctx, req.MessageID)
		return Push{Message: &msg}, err
	case FrameGetProfile:
		author, err := st.GetProfile(ctx, req.UserID)
		return Push{Author: &author}, err
	}

	// Writes act as the connection's user, never as a user named in the frame.
	if c.userID == "" {
		return Push{}, domain.ErrUnauthenticated
	}
	switch f.Type {
	case FrameSend:
		if req.ConversationID == "" {
			return Push{}, &domain.ValidationError{Field: "conversation_id", Reason: "must not be empty"}
		}
		content, err := chat.ValidateContent(req.Content, c.srv.cfg.MaxContentLength)
		if err != nil {
			return Push{}, err
		}
		if err := c.srv.cfg.Limiter.Check(c.userID); err != nil {
			return Push{}, err
		}
		msg, err := st.InsertMessage(ctx, domain.NewMessage{
			ConversationID: req.ConversationID,
			SenderID:       c.userID,
			Content:        content,
			ReplyToID:      req.ReplyToID,
		})
		return Push{Message: &msg}, err
	case FrameEdit:
		content, err := chat.ValidateContent(req.Content, c.srv.cfg.MaxContentLength)
		if err != nil {
			return Push{}, err
		}
		msg, err := st.UpdateMessage(ctx, req.MessageID, c.userID, content)
		return Push{Message: &msg}, err
	case FrameDelete:
		return Push{}, st.DeleteMessage(ctx, req.MessageID, c.userID)
	case FrameUpsertProfile:
		return Push{}, st.UpsertProfile(ctx, domain.Author{
			ID:          c.userID,
			DisplayName: req.DisplayName,
			AvatarURL:   req.AvatarURL,
		})
	}
	return Push{}, errors.New("unknown request " + f.Type)
}
