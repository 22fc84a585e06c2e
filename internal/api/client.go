package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's Messenger service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(method, err)
	}
	return decode(out, resp)
}

func (c *Client) Status(ctx context.Context) (*StatusReply, error) {
	var resp StatusReply
	return &resp, c.invoke(ctx, "Status", empty{}, &resp)
}

func (c *Client) Login(ctx context.Context, token string) (string, error) {
	var resp LoginReply
	err := c.invoke(ctx, "Login", LoginRequest{Token: token}, &resp)
	return resp.UserID, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, "Logout", empty{}, &empty{})
}

func (c *Client) ListConversations(ctx context.Context) ([]ConversationView, error) {
	var resp ConversationsReply
	err := c.invoke(ctx, "ListConversations", empty{}, &resp)
	return resp.Conversations, err
}

func (c *Client) Refresh(ctx context.Context) ([]ConversationView, error) {
	var resp ConversationsReply
	err := c.invoke(ctx, "Refresh", empty{}, &resp)
	return resp.Conversations, err
}

func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, name string) (string, error) {
	var resp CreateReply
	err := c.invoke(ctx, "CreateConversation", CreateRequest{ParticipantIDs: participantIDs, Name: name}, &resp)
	return resp.ConversationID, err
}

func (c *Client) AddParticipant(ctx context.Context, conversationID, userID string) error {
	return c.invoke(ctx, "AddParticipant", ParticipantRequest{ConversationID: conversationID, UserID: userID}, &empty{})
}

func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	return c.invoke(ctx, "RemoveParticipant", ParticipantRequest{ConversationID: conversationID, UserID: userID}, &empty{})
}

func (c *Client) Members(ctx context.Context, conversationID string) ([]ProfileView, error) {
	var resp MembersReply
	err := c.invoke(ctx, "Members", ConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Members, err
}

func (c *Client) OpenConversation(ctx context.Context, conversationID string) ([]MessageView, error) {
	var resp MessagesReply
	err := c.invoke(ctx, "OpenConversation", ConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Messages, err
}

func (c *Client) CloseConversation(ctx context.Context) error {
	return c.invoke(ctx, "CloseConversation", empty{}, &empty{})
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]MessageView, error) {
	var resp MessagesReply
	err := c.invoke(ctx, "ListMessages", ConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Messages, err
}

func (c *Client) Search(ctx context.Context, conversationID, query string) ([]MessageView, error) {
	var resp MessagesReply
	err := c.invoke(ctx, "Search", SearchRequest{ConversationID: conversationID, Query: query}, &resp)
	return resp.Messages, err
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*MessageView, error) {
	var resp MessageView
	return &resp, c.invoke(ctx, "SendMessage", req, &resp)
}

func (c *Client) Retry(ctx context.Context, conversationID, provisionalID string) error {
	return c.invoke(ctx, "Retry", RetryRequest{ConversationID: conversationID, ProvisionalID: provisionalID}, &empty{})
}

func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) (*MarkReadReply, error) {
	var resp MarkReadReply
	return &resp, c.invoke(ctx, "MarkRead", MarkReadRequest{ConversationID: conversationID, MessageID: messageID}, &resp)
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) (*TypingReply, error) {
	var resp TypingReply
	return &resp, c.invoke(ctx, "SetTyping", TypingRequest{ConversationID: conversationID, Typing: typing}, &resp)
}

func (c *Client) Typing(ctx context.Context, conversationID string) (*TypingReply, error) {
	var resp TypingReply
	return &resp, c.invoke(ctx, "Typing", ConversationRequest{ConversationID: conversationID}, &resp)
}

// WatchEvents calls fn for every event whose kind starts with prefix until
// ctx is done or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return fromStatus("WatchEvents", err)
	}
	in, err := encode(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return fromStatus("WatchEvents", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus("WatchEvents", err)
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fromStatus("WatchEvents", err)
		}
		var evt Event
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
