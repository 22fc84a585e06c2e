// Package api exposes the sync client over gRPC on the daemon's socket. The
// service is registered by hand and carries JSON-shaped structpb payloads.
package api

import (
	"context"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/directory"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/receipt"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"github.com/matheus3301/dmsync/internal/timeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dmsync.v1.Messenger"

// Backend is the sync client the service drives.
type Backend interface {
	Status() *status.Machine
	Refresh(ctx context.Context) error
	Conversations() []directory.Conversation
	Conversation(id string) (directory.Conversation, bool)
	DisplayName(conv directory.Conversation) string
	Members(conversationID string) ([]store.Profile, error)
	CreateConversation(ctx context.Context, participantIDs []string, name string) (string, error)
	AddParticipant(ctx context.Context, conversationID, userID string) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	Open(ctx context.Context, conversationID string) ([]timeline.Entry, error)
	CloseConversation()
	Messages(conversationID string) []timeline.Entry
	Search(conversationID, query string) []timeline.Entry
	Send(ctx context.Context, conversationID, content string, media *outbox.Media) (timeline.Entry, error)
	Retry(ctx context.Context, conversationID, provisionalID string) error
	MarkRead(ctx context.Context, conversationID, throughMessageID string) (receipt.Result, error)
	Keystroke(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	Typing(conversationID string) []string
	TypingText(ctx context.Context, conversationID string) string
}

// Auth holds the session token.
type Auth interface {
	Login(token string) (string, error)
	Logout()
	CurrentUserID() (string, error)
}

// Counter reports store totals for Status.
type Counter interface {
	ConversationCount(ctx context.Context) (int64, error)
	MessageCount(ctx context.Context) (int64, error)
}

// Service implements the Messenger gRPC service.
type Service struct {
	sessionName string
	startedAt   time.Time
	backend     Backend
	auth        Auth
	counts      Counter
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewService creates the service. counts may be nil.
func NewService(sessionName string, backend Backend, auth Auth, counts Counter, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		backend:     backend,
		auth:        auth,
		counts:      counts,
		bus:         b,
		logger:      logger,
	}
}

// Register attaches the service to a gRPC server.
func Register(r grpc.ServiceRegistrar, s *Service) {
	r.RegisterService(&serviceDesc, s)
}

func (s *Service) Status(ctx context.Context, _ *empty) (*StatusReply, error) {
	m := s.backend.Status()
	resp := &StatusReply{
		Session:  s.sessionName,
		State:    string(m.Current()),
		SinceMs:  m.Since().UnixMilli(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if id, err := s.auth.CurrentUserID(); err == nil {
		resp.UserID = id
	}
	if s.counts != nil {
		if n, err := s.counts.ConversationCount(ctx); err == nil {
			resp.Conversations = n
		}
		if n, err := s.counts.MessageCount(ctx); err == nil {
			resp.Messages = n
		}
	}
	return resp, nil
}

func (s *Service) Login(_ context.Context, req *LoginRequest) (*LoginReply, error) {
	id, err := s.auth.Login(req.Token)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session logged in", zap.String("user_id", id))
	return &LoginReply{UserID: id}, nil
}

func (s *Service) Logout(_ context.Context, _ *empty) (*empty, error) {
	s.auth.Logout()
	s.logger.Info("session logged out")
	return &empty{}, nil
}

func (s *Service) ListConversations(_ context.Context, _ *empty) (*ConversationsReply, error) {
	if _, err := s.auth.CurrentUserID(); err != nil {
		return nil, err
	}
	return s.conversations(), nil
}

func (s *Service) Refresh(ctx context.Context, _ *empty) (*ConversationsReply, error) {
	if err := s.backend.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.conversations(), nil
}

func (s *Service) conversations() *ConversationsReply {
	list := s.backend.Conversations()
	out := &ConversationsReply{Conversations: make([]ConversationView, 0, len(list))}
	for _, c := range list {
		out.Conversations = append(out.Conversations, conversationView(c, s.backend.DisplayName(c)))
	}
	return out
}

func (s *Service) CreateConversation(ctx context.Context, req *CreateRequest) (*CreateReply, error) {
	id, err := s.backend.CreateConversation(ctx, req.ParticipantIDs, req.Name)
	if err != nil {
		return nil, err
	}
	return &CreateReply{ConversationID: id}, nil
}

func (s *Service) AddParticipant(ctx context.Context, req *ParticipantRequest) (*empty, error) {
	return &empty{}, s.backend.AddParticipant(ctx, req.ConversationID, req.UserID)
}

func (s *Service) RemoveParticipant(ctx context.Context, req *ParticipantRequest) (*empty, error) {
	return &empty{}, s.backend.RemoveParticipant(ctx, req.ConversationID, req.UserID)
}

func (s *Service) Members(_ context.Context, req *ConversationRequest) (*MembersReply, error) {
	members, err := s.backend.Members(req.ConversationID)
	if err != nil {
		return nil, err
	}
	out := &MembersReply{Members: make([]ProfileView, 0, len(members))}
	for _, p := range members {
		out.Members = append(out.Members, profileView(p))
	}
	return out, nil
}

func (s *Service) OpenConversation(ctx context.Context, req *ConversationRequest) (*MessagesReply, error) {
	entries, err := s.backend.Open(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return &MessagesReply{Messages: entryViews(entries)}, nil
}

func (s *Service) CloseConversation(_ context.Context, _ *empty) (*empty, error) {
	s.backend.CloseConversation()
	return &empty{}, nil
}

func (s *Service) ListMessages(_ context.Context, req *ConversationRequest) (*MessagesReply, error) {
	return &MessagesReply{Messages: entryViews(s.backend.Messages(req.ConversationID))}, nil
}

func (s *Service) Search(_ context.Context, req *SearchRequest) (*MessagesReply, error) {
	return &MessagesReply{Messages: entryViews(s.backend.Search(req.ConversationID, req.Query))}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*MessageView, error) {
	var media *outbox.Media
	if len(req.Media) > 0 || req.ContentType != "" {
		media = &outbox.Media{Data: req.Media, ContentType: req.ContentType}
	}
	entry, err := s.backend.Send(ctx, req.ConversationID, req.Content, media)
	if err != nil {
		return nil, err
	}
	v := entryView(entry)
	return &v, nil
}

func (s *Service) Retry(ctx context.Context, req *RetryRequest) (*empty, error) {
	return &empty{}, s.backend.Retry(ctx, req.ConversationID, req.ProvisionalID)
}

func (s *Service) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadReply, error) {
	through := req.MessageID
	if through == "" {
		for _, e := range s.backend.Messages(req.ConversationID) {
			if e.State == timeline.Confirmed {
				through = e.Message.ID
			}
		}
		if through == "" {
			return nil, syncerr.Invalid("mark read", "no loaded messages in %q", req.ConversationID)
		}
	}
	res, err := s.backend.MarkRead(ctx, req.ConversationID, through)
	if err != nil {
		return nil, err
	}
	return &MarkReadReply{Marked: res.Marked, Failed: res.Failed, LastReadAt: res.LastReadAt}, nil
}

func (s *Service) SetTyping(ctx context.Context, req *TypingRequest) (*TypingReply, error) {
	var err error
	if req.Typing {
		err = s.backend.Keystroke(ctx, req.ConversationID)
	} else {
		err = s.backend.StopTyping(ctx, req.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	return s.Typing(ctx, &ConversationRequest{ConversationID: req.ConversationID})
}

func (s *Service) Typing(ctx context.Context, req *ConversationRequest) (*TypingReply, error) {
	users := s.backend.Typing(req.ConversationID)
	if users == nil {
		users = []string{}
	}
	return &TypingReply{Users: users, Text: s.backend.TypingText(ctx, req.ConversationID)}, nil
}

// WatchEvents streams bus events whose kind starts with the requested prefix
// until the caller goes away.
func (s *Service) WatchEvents(ctx context.Context, req *WatchRequest, send func(Event) error) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(eventView(evt.Kind, evt.Timestamp.UnixMilli(), evt.Payload)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// messenger is the handler type checked by grpc.Server.RegisterService.
type messenger interface {
	Status(context.Context, *empty) (*StatusReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*messenger)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", (*Service).Status),
		unary("Login", (*Service).Login),
		unary("Logout", (*Service).Logout),
		unary("ListConversations", (*Service).ListConversations),
		unary("Refresh", (*Service).Refresh),
		unary("CreateConversation", (*Service).CreateConversation),
		unary("AddParticipant", (*Service).AddParticipant),
		unary("RemoveParticipant", (*Service).RemoveParticipant),
		unary("Members", (*Service).Members),
		unary("OpenConversation", (*Service).OpenConversation),
		unary("CloseConversation", (*Service).CloseConversation),
		unary("ListMessages", (*Service).ListMessages),
		unary("Search", (*Service).Search),
		unary("SendMessage", (*Service).SendMessage),
		unary("Retry", (*Service).Retry),
		unary("MarkRead", (*Service).MarkRead),
		unary("SetTyping", (*Service).SetTyping),
		unary("Typing", (*Service).Typing),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "dmsync/v1/messenger",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed service method to a gRPC method handler.
func unary[Req, Resp any](name string, fn func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, raw any) (any, error) {
				req := new(Req)
				if err := decode(raw.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := fn(srv.(*Service), ctx, req)
				if err != nil {
					return nil, toStatus(err)
				}
				out, err := encode(resp)
				if err != nil {
					return nil, grpcstatus.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, call)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(*Service).WatchEvents(stream.Context(), &req, func(evt Event) error {
		out, err := encode(evt)
		if err != nil {
			return grpcstatus.Error(codes.Internal, err.Error())
		}
		return stream.SendMsg(out)
	})
}
