package directory

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"go.uber.org/zap"
)

// CreateConversation creates a conversation between the current user and
// participantIDs. Ids are deduplicated and the caller is always included.
// The result is a group when it has more than two members or a name; an
// unnamed pair reuses an existing direct conversation. Conversation and
// membership are written in one transaction, so a failure leaves nothing
// behind. The directory is refreshed on success.
func (d *Directory) CreateConversation(ctx context.Context, participantIDs []string, name string) (string, error) {
	me, err := d.identity.CurrentUserID()
	if err != nil {
		return "", err
	}
	members := []string{me}
	for _, id := range participantIDs {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return "", syncerr.Invalid("create conversation", "need at least one other participant")
	}
	name = strings.TrimSpace(name)
	isGroup := len(members) > 2 || name != ""

	if !isGroup {
		id, err := d.store.FindDirectConversation(ctx, me, members[1])
		switch {
		case err == nil:
			d.logger.Debug("reusing direct conversation", zap.String("conversation_id", id))
			return id, nil
		case !errors.Is(err, store.ErrNotFound):
			return "", syncerr.E(syncerr.Transient, "create conversation", err)
		}
	}

	conv, err := d.store.CreateConversation(ctx, name, isGroup, members)
	if err != nil {
		return "", syncerr.E(syncerr.Partial, "create conversation", err)
	}
	d.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.Bool("group", isGroup),
		zap.Int("participants", len(members)),
	)
	d.refreshAfterMutation(ctx)
	return conv.ID, nil
}

// AddParticipant adds a member to a group conversation.
func (d *Directory) AddParticipant(ctx context.Context, conversationID, userID string) error {
	if _, err := d.groupFor(ctx, "add participant", conversationID); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return syncerr.Invalid("add participant", "empty user id")
	}
	if err := d.store.AddParticipant(ctx, conversationID, userID); err != nil {
		return syncerr.E(syncerr.Transient, "add participant", err)
	}
	d.refreshAfterMutation(ctx)
	return nil
}

// RemoveParticipant removes another member from a group conversation. A
// group never drops below two members and the caller cannot remove itself.
func (d *Directory) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	me, err := d.groupFor(ctx, "remove participant", conversationID)
	if err != nil {
		return err
	}
	if userID == me {
		return syncerr.Invalid("remove participant", "cannot remove yourself")
	}
	members, err := d.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return syncerr.E(syncerr.Transient, "remove participant", err)
	}
	if !slices.Contains(members, userID) {
		return syncerr.Invalid("remove participant", "%q is not a member", userID)
	}
	if len(members) <= 2 {
		return syncerr.Invalid("remove participant", "a conversation needs at least two members")
	}
	if err := d.store.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return syncerr.E(syncerr.Transient, "remove participant", err)
	}
	d.refreshAfterMutation(ctx)
	return nil
}

// groupFor checks the caller belongs to a group conversation and returns the
// caller's id.
func (d *Directory) groupFor(ctx context.Context, op, conversationID string) (string, error) {
	me, err := d.identity.CurrentUserID()
	if err != nil {
		return "", err
	}
	conv, err := d.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", syncerr.Invalid(op, "conversation %q not found", conversationID)
	}
	if err != nil {
		return "", syncerr.E(syncerr.Transient, op, err)
	}
	if !conv.IsGroup {
		return "", syncerr.Invalid(op, "conversation %q is not a group", conversationID)
	}
	members, err := d.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return "", syncerr.E(syncerr.Transient, op, err)
	}
	if !slices.Contains(members, me) {
		return "", syncerr.Invalid(op, "not a member of %q", conversationID)
	}
	return me, nil
}

func (d *Directory) refreshAfterMutation(ctx context.Context) {
	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after mutation failed", zap.Error(err))
	}
}
