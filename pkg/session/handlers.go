package session

import (
	"context"
	"errors"
	"iter"

	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// Failure reasons sent to clients
const (
	ReasonInvalidName     = "invalid account name"
	ReasonNameUnavailable = "account name unavailable"
	ReasonUnknownAccount  = "unknown account"
	ReasonInvalidPattern  = "invalid regular expression"
	ReasonUnknownReceiver = "unknown receiver"
	ReasonEmptyMessage    = "empty message"
	ReasonMessageTooLong  = "message exceeds maximum length"
	ReasonNotLoggedIn     = "not logged in"
	ReasonInternal        = "internal error"
)

func (d *Dispatcher) handleCreateAccount(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame] {
	var req protocol.AccountName
	if err := req.Decode(f.Payload); err != nil {
		return d.malformed(s, f, err)
	}
	if len(req.Name) > d.cfg.MaxNameLength {
		return failure(protocol.OpCreateAccountFailure, ReasonInvalidName)
	}

	err := d.store.Create(ctx, req.Name)
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		return failure(protocol.OpCreateAccountFailure, ReasonInvalidName)
	case errors.Is(err, storage.ErrAlreadyExists):
		return failure(protocol.OpCreateAccountFailure, ReasonNameUnavailable)
	case err != nil:
		d.storeError(s, "create", err)
		return failure(protocol.OpCreateAccountFailure, ReasonInternal)
	}

	metrics.AccountsCreated.Inc()
	d.logger.Info().Str("session", s.ID).Str("account", req.Name).Msg("Account created")

	resp := protocol.AccountName{Name: req.Name}
	return frames(protocol.NewFrame(protocol.OpCreateAccountSuccess, resp.Encode()))
}

func (d *Dispatcher) handleLogin(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame] {
	var req protocol.AccountName
	if err := req.Decode(f.Payload); err != nil {
		return d.malformed(s, f, err)
	}

	exists, err := d.store.Exists(ctx, req.Name)
	if err != nil {
		d.storeError(s, "exists", err)
		return failure(protocol.OpLoginFailure, ReasonInternal)
	}
	if !exists {
		return failure(protocol.OpLoginFailure, ReasonUnknownAccount)
	}

	unread, err := d.store.HasUnread(ctx, req.Name)
	if err != nil {
		d.storeError(s, "has_unread", err)
		return failure(protocol.OpLoginFailure, ReasonInternal)
	}

	d.registry.Bind(s, req.Name)

	// a delete that ran since the lookup found nothing to log out
	exists, err = d.store.Exists(ctx, req.Name)
	if err != nil {
		d.registry.Unbind(s)
		s.logout(req.Name)
		d.storeError(s, "exists", err)
		return failure(protocol.OpLoginFailure, ReasonInternal)
	}
	if !exists {
		d.registry.Forget(req.Name)
		return failure(protocol.OpLoginFailure, ReasonUnknownAccount)
	}
	d.logger.Debug().Str("session", s.ID).Str("account", req.Name).Msg("Logged in")

	resp := protocol.LoginResult{Name: req.Name, UnreadMessages: unread}
	return frames(protocol.NewFrame(protocol.OpLoginSuccess, resp.Encode()))
}

func (d *Dispatcher) handleDeleteAccount(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame] {
	var req protocol.AccountName
	if err := req.Decode(f.Payload); err != nil {
		return d.malformed(s, f, err)
	}

	err := d.store.Delete(ctx, req.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return failure(protocol.OpDeleteAccountFailure, ReasonUnknownAccount)
	case err != nil:
		d.storeError(s, "delete", err)
		return failure(protocol.OpDeleteAccountFailure, ReasonInternal)
	}

	loggedOut := d.registry.Forget(req.Name)
	metrics.AccountsDeleted.Inc()
	d.logger.Info().
		Str("session", s.ID).
		Str("account", req.Name).
		Int("logged_out", loggedOut).
		Msg("Account deleted")

	return frames(protocol.NewFrame(protocol.OpDeleteAccountSuccess, nil))
}

func (d *Dispatcher) handleListAccounts(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame] {
	var req protocol.ListAccountsRequest
	if err := req.Decode(f.Payload); err != nil {
		return d.malformed(s, f, err)
	}

	names, err := d.store.List(ctx, req.Pattern)
	switch {
	case errors.Is(err, storage.ErrInvalidPattern):
		return failure(protocol.OpListAccountsFailure, ReasonInvalidPattern)
	case err != nil:
		d.storeError(s, "list", err)
		return failure(protocol.OpListAccountsFailure, ReasonInternal)
	}

	return func(yield func(protocol.Frame) bool) {
		if !yield(protocol.NewFrame(protocol.OpListAccountsSuccess, nil)) {
			return
		}
		for name, err := range names {
			if err != nil {
				d.storeError(s, "list", err)
				r := protocol.Reason{Text: ReasonInternal}
				yield(protocol.NewFrame(protocol.OpListAccountsFailure, r.Encode()))
				return
			}
			entry := protocol.AccountName{Name: name}
			if !yield(protocol.NewFrame(protocol.OpListAccountsSuccess, entry.Encode())) {
				return
			}
		}
		yield(protocol.NewFrame(protocol.OpListAccountsSuccess, nil))
	}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame] {
	var req protocol.SendMessageRequest
	if err := req.Decode(f.Payload); err != nil {
		return d.malformed(s, f, err)
	}
	if req.Body == "" {
		return failure(protocol.OpSendMessageFailure, ReasonEmptyMessage)
	}
	if len(req.Body) > d.cfg.MaxMessageLength {
		return failure(protocol.OpSendMessageFailure, ReasonMessageTooLong)
	}

	msg, err := d.store.Append(ctx, storage.NewMessage(req.Sender, req.Receiver, req.Body))
	switch {
	case errors.Is(err, storage.ErrUnknownReceiver):
		return failure(protocol.OpSendMessageFailure, ReasonUnknownReceiver)
	case err != nil:
		d.storeError(s, "append", err)
		return failure(protocol.OpSendMessageFailure, ReasonInternal)
	}

	metrics.MessagesSent.Inc()
	pushed := d.registry.Notify(req.Receiver, protocol.NewFrame(protocol.OpPushMessageNotify, nil))
	d.logger.Debug().
		Str("session", s.ID).
		Str("message_id", msg.ID).
		Str("receiver", req.Receiver).
		Int("pushed", pushed).
		Msg("Message queued")

	return frames(protocol.NewFrame(protocol.OpSendMessageSuccess, nil))
}

func (d *Dispatcher) handlePullMessages(ctx context.Context, s *Session, f protocol.Frame) iter.Seq[protocol.Frame] {
	account, ok := s.Account()
	if !ok {
		return failure(protocol.OpPullMessagesFailure, ReasonNotLoggedIn)
	}

	msgs, err := d.store.PullUnread(ctx, account)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return failure(protocol.OpPullMessagesFailure, ReasonUnknownAccount)
	case err != nil:
		d.storeError(s, "pull", err)
		return failure(protocol.OpPullMessagesFailure, ReasonInternal)
	}

	return func(yield func(protocol.Frame) bool) {
		for msg, err := range msgs {
			if err != nil {
				d.storeError(s, "pull", err)
				r := protocol.Reason{Text: ReasonInternal}
				yield(protocol.NewFrame(protocol.OpPullMessagesFailure, r.Encode()))
				return
			}
			entry := protocol.MessageEntry{Sender: msg.Sender, Receiver: msg.Receiver, Body: msg.Body}
			if !yield(protocol.NewFrame(protocol.OpPullMessagesSuccess, entry.Encode())) {
				return
			}
			metrics.MessagesDelivered.Inc()
		}
		yield(protocol.NewFrame(protocol.OpPullMessagesSuccess, nil))
	}
}

func (d *Dispatcher) storeError(s *Session, op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	d.logger.Error().Err(err).Str("session", s.ID).Str("operation", op).Msg("Store operation failed")
}
