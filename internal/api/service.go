package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/hub"
	"github.com/matheus3301/omnichat/internal/provider"
)

const (
	defaultContextSize = 20
	defaultSearchLimit = 50
	watchBuffer        = 256
)

// Service implements OmniServer on top of the hub.
type Service struct {
	hub       *hub.Hub
	profile   string
	startedAt time.Time
	logger    *zap.Logger
}

// NewService creates a new consumer API service.
func NewService(h *hub.Hub, profile string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{hub: h, profile: profile, startedAt: time.Now(), logger: logger.Named("api")}
}

func requireProvider(in *structpb.Struct) (provider.ID, error) {
	p := stringField(in, "provider")
	if p == "" {
		return "", status.Error(codes.InvalidArgument, "provider is required")
	}
	return provider.ID(p), nil
}

func requireField(in *structpb.Struct, key string) (string, error) {
	v := stringField(in, key)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func (s *Service) Status(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var statuses []hub.Status
	if p := stringField(in, "provider"); p != "" {
		st, err := s.hub.Status(provider.ID(p))
		if err != nil {
			return nil, toStatus(err)
		}
		statuses = []hub.Status{st}
	} else {
		statuses = s.hub.Statuses()
	}
	list := make([]any, 0, len(statuses))
	for _, st := range statuses {
		list = append(list, statusMap(st))
	}
	return toStruct(map[string]any{
		"profile":   s.profile,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"providers": list,
	})
}

func (s *Service) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	if err := s.hub.Connect(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.providerStatus(id)
}

func (s *Service) Disconnect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	if err := s.hub.Disconnect(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return s.providerStatus(id)
}

func (s *Service) providerStatus(id provider.ID) (*structpb.Struct, error) {
	st, err := s.hub.Status(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(statusMap(st))
}

// SubmitAuth reports rejected values inside the returned state so the caller
// can prompt again. Only an unknown provider or a finished flow fail the call.
func (s *Service) SubmitAuth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	st, err := s.hub.SubmitAuth(ctx, id, stringField(in, "value"))
	if errors.Is(err, hub.ErrUnknownProvider) || errors.Is(err, auth.ErrFinished) {
		return nil, toStatus(err)
	}
	out := authMap(st)
	if err != nil {
		out["error"] = err.Error()
		out["error_kind"] = provider.KindOf(err).String()
	}
	return toStruct(out)
}

func (s *Service) AbandonAuth(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	if err := s.hub.AbandonAuth(id); err != nil {
		return nil, toStatus(err)
	}
	st, err := s.hub.AuthState(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(authMap(st))
}

func (s *Service) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"provider": string(id), "remote_error": ""}
	if err := s.hub.Logout(ctx, id); err != nil {
		if errors.Is(err, hub.ErrUnknownProvider) {
			return nil, toStatus(err)
		}
		// Local state is gone either way.
		out["remote_error"] = err.Error()
	}
	return toStruct(out)
}

func (s *Service) GetRoster(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	chats, err := s.hub.Roster(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"chats": chatList(chats)})
}

func (s *Service) OpenChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	chatID, err := requireField(in, "chat_id")
	if err != nil {
		return nil, err
	}
	msgs, err := s.hub.OpenChat(ctx, id, chatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"messages": messageList(msgs)})
}

func (s *Service) CloseChat(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	if err := s.hub.CloseChat(id); err != nil {
		return nil, toStatus(err)
	}
	return s.providerStatus(id)
}

func (s *Service) GetMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	chatID, err := requireField(in, "chat_id")
	if err != nil {
		return nil, err
	}
	msgs, err := s.hub.Messages(id, chatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"messages": messageList(msgs)})
}

func (s *Service) LoadHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	chatID, err := requireField(in, "chat_id")
	if err != nil {
		return nil, err
	}
	page, err := s.hub.LoadHistory(ctx, id, chatID, stringField(in, "cursor"))
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"messages": messageList(page.Messages),
		"next":     page.Next,
		"added":    page.Added,
		"offline":  page.Offline,
	}
	if page.Err != nil {
		out["error"] = page.Err.Error()
	}
	return toStruct(out)
}

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	chatID, err := requireField(in, "chat_id")
	if err != nil {
		return nil, err
	}
	body, err := requireField(in, "body")
	if err != nil {
		return nil, err
	}
	res, err := s.hub.SendMessage(ctx, id, chatID, body)
	return sendResult(res, err)
}

func (s *Service) RetrySend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	clientID, err := requireField(in, "client_msg_id")
	if err != nil {
		return nil, err
	}
	res, err := s.hub.RetrySend(ctx, id, clientID)
	return sendResult(res, err)
}

// sendResult keeps the client id in the response when the backend refused
// the message, so the caller can retry it.
func sendResult(res hub.SendResult, err error) (*structpb.Struct, error) {
	if err != nil && (res.ClientMsgID == "" || provider.KindOf(err) == 0) {
		return nil, toStatus(err)
	}
	out := map[string]any{"client_msg_id": res.ClientMsgID}
	if err != nil {
		out["error"] = err.Error()
		out["error_kind"] = provider.KindOf(err).String()
		return toStruct(out)
	}
	out["message"] = messageMap(res.Message)
	return toStruct(out)
}

func (s *Service) GetContext(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	chatID, err := requireField(in, "chat_id")
	if err != nil {
		return nil, err
	}
	msgs, err := s.hub.Context(id, chatID, intField(in, "n", defaultContextSize))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"messages": messageList(msgs)})
}

func (s *Service) Search(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireProvider(in)
	if err != nil {
		return nil, err
	}
	query, err := requireField(in, "query")
	if err != nil {
		return nil, err
	}
	hits, err := s.hub.Search(id, query, stringField(in, "chat_id"), intField(in, "limit", defaultSearchLimit))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"hits": hitList(hits)})
}

// WatchEvents streams bus events until the client goes away. The optional
// namespace and provider fields filter by kind prefix and source.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	ns := stringField(in, "namespace")
	b := s.hub.Bus()

	var (
		events      <-chan bus.Event
		unsubscribe func()
	)
	if p := stringField(in, "provider"); p != "" {
		events, unsubscribe = b.SubscribeSource(ns, p, watchBuffer)
	} else {
		events, unsubscribe = b.Subscribe(ns, watchBuffer)
	}
	defer unsubscribe()

	s.logger.Debug("watch started", zap.String("namespace", ns))
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			out, err := toStruct(map[string]any{
				"event_id":       uuid.NewString(),
				"profile":        s.profile,
				"kind":           evt.Kind,
				"source":         evt.Source,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"payload":        payloadValue(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}
