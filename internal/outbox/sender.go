// Package outbox sends messages optimistically: the message is shown as
// pending right away and then either confirmed with the backend's id or
// marked failed.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/msgcache"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/store"
)

// ErrNotRetryable is returned by Retry for entries that did not fail.
var ErrNotRetryable = errors.New("outbox entry is not failed")

// MessageSender delivers a message through the provider adapter.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, body string) (provider.Message, error)
}

// Ingester folds a confirmed message into the roster.
type Ingester interface {
	IngestMessage(m provider.Message) error
}

// SendAck is published on the bus when a send is confirmed.
type SendAck struct {
	ClientMsgID string
	Message     provider.Message
}

// SendFailure is published on the bus when a send is rejected.
type SendFailure struct {
	ClientMsgID string
	ChatID      string
	Err         error
}

// Options wires a Sender.
type Options struct {
	Provider provider.ID
	DB       *store.DB
	Cache    *msgcache.Cache
	Sender   MessageSender
	Ingester Ingester
	Bus      *bus.Bus
	Logger   *zap.Logger
	Now      func() time.Time
}

// Sender sends messages for one provider and records each attempt in the
// outbox table.
type Sender struct {
	id       provider.ID
	db       *store.DB
	cache    *msgcache.Cache
	sender   MessageSender
	ingester Ingester
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// NewSender creates a new outbox sender. DB may be nil; sends then work
// without an outbox record.
func NewSender(opts Options) *Sender {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sender{
		id:       opts.Provider,
		db:       opts.DB,
		cache:    opts.Cache,
		sender:   opts.Sender,
		ingester: opts.Ingester,
		bus:      opts.Bus,
		logger:   opts.Logger.Named("outbox").With(zap.String("provider", string(opts.Provider))),
		now:      opts.Now,
	}
}

// Send appends body to chatID as a pending outbound message, sends it and
// reconciles the pending copy. On success the confirmed message is returned
// and the pending row carries the backend id. On failure the row stays,
// marked failed, and the send error is returned along with the client id.
func (s *Sender) Send(ctx context.Context, chatID, body string) (string, provider.Message, error) {
	clientID := uuid.NewString()
	if s.db != nil {
		if err := s.db.QueueOutbox(string(s.id), clientID, chatID, body); err != nil {
			return "", provider.Message{}, fmt.Errorf("queue outbox: %w", err)
		}
	}

	pending := provider.Message{
		Provider:  s.id,
		ID:        clientID,
		ChatID:    chatID,
		Body:      body,
		Timestamp: s.now(),
		Direction: provider.Outbound,
		Delivery:  provider.Pending,
	}
	if _, err := s.cache.Append(pending); err != nil {
		s.logger.Warn("optimistic append failed", zap.Error(err), zap.String("client_msg_id", clientID))
	}
	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Source: string(s.id), Payload: pending})

	msg, err := s.deliver(ctx, clientID, chatID, body)
	return clientID, msg, err
}

// Retry resends a failed entry under its original client id.
func (s *Sender) Retry(ctx context.Context, clientID string) (provider.Message, error) {
	if s.db == nil {
		return provider.Message{}, ErrNotRetryable
	}
	entry, err := s.db.GetOutbox(clientID)
	if err != nil {
		return provider.Message{}, fmt.Errorf("load outbox entry: %w", err)
	}
	if entry == nil || entry.Provider != string(s.id) || entry.Status != "failed" {
		return provider.Message{}, ErrNotRetryable
	}
	return s.deliver(ctx, clientID, entry.ChatID, entry.Body)
}

func (s *Sender) deliver(ctx context.Context, clientID, chatID, body string) (provider.Message, error) {
	if s.db != nil {
		if err := s.db.MarkOutboxSending(clientID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}

	msg, err := s.sender.SendMessage(ctx, chatID, body)
	if err != nil {
		s.fail(clientID, chatID, err)
		return provider.Message{}, err
	}

	msg.Provider = s.id
	msg.ChatID = chatID
	msg.Direction = provider.Outbound
	msg.Delivery = provider.Confirmed
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	if s.db != nil {
		if err := s.db.MarkOutboxSent(clientID, msg.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}
	if err := s.cache.Confirm(clientID, msg); err != nil {
		s.logger.Warn("confirm cached message", zap.Error(err), zap.String("client_msg_id", clientID))
	}
	if s.ingester != nil {
		if err := s.ingester.IngestMessage(msg); err != nil {
			s.logger.Warn("apply sent message to roster", zap.Error(err))
		}
	}

	s.logger.Info("message sent", zap.String("client_msg_id", clientID), zap.String("server_msg_id", msg.ID))
	s.bus.Publish(bus.Event{Kind: bus.KindMessageSendAck, Source: string(s.id), Payload: SendAck{ClientMsgID: clientID, Message: msg}})
	return msg, nil
}

func (s *Sender) fail(clientID, chatID string, sendErr error) {
	s.logger.Error("failed to send message", zap.Error(sendErr), zap.String("client_msg_id", clientID))
	if s.db != nil {
		if err := s.db.MarkOutboxFailed(clientID, sendErr.Error()); err != nil {
			s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}
	if err := s.cache.Fail(s.id, chatID, clientID); err != nil {
		s.logger.Warn("mark cached message failed", zap.Error(err))
	}
	s.bus.Publish(bus.Event{
		Kind:    bus.KindMessageFailed,
		Source:  string(s.id),
		Payload: SendFailure{ClientMsgID: clientID, ChatID: chatID, Err: sendErr},
	})
}

// Recover marks entries left queued or sending by a previous process as
// failed, since their delivery cannot be known. It returns how many were
// marked.
func (s *Sender) Recover() (int, error) {
	if s.db == nil {
		return 0, nil
	}
	entries, err := s.db.UnsentOutbox(string(s.id))
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	for _, e := range entries {
		s.fail(e.ClientMsgID, e.ChatID, errors.New("interrupted before confirmation"))
	}
	if len(entries) > 0 {
		s.logger.Warn("recovered interrupted sends", zap.Int("count", len(entries)))
	}
	return len(entries), nil
}
