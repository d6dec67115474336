package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"molva/internal/authz"
	"molva/internal/codec"
	"molva/internal/content"
	"molva/internal/models"
	"molva/internal/presence"

	"github.com/google/uuid"
)

// UnreadablePlaceholder replaces the body of a stored message that can no
// longer be decrypted.
const UnreadablePlaceholder = "[unreadable message]"

var (
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrUnauthorized      = errors.New("not permitted")
	ErrEmptyBody         = errors.New("message body is empty")
	ErrPersist           = errors.New("failed to store message")
)

type UserStore interface {
	GetUser(id string) (models.User, error)
	GetUserByHandle(handle string) (models.User, error)
	UpdateLastSeen(userID string, lastSeen int64) error
}

type MessageStore interface {
	AppendMessage(message models.Message) (string, error)
	ListDirectMessages(userA, userB string) ([]models.Message, error)
	ListGroupMessages(groupID string) ([]models.Message, error)
}

type GroupStore interface {
	GetGroup(id string) (models.Group, error)
}

type Gate interface {
	CanSendDirect(senderID, recipientID string) (bool, error)
	CanSendGroup(senderID, groupID string) (bool, error)
	PresenceAudience(userID string) ([]string, error)
}

// Router drives every send through one pipeline: authorize, encrypt,
// persist, fan out, echo. Failures are recovered here and surfaced as typed
// errors; no failure in one connection's send affects any other connection.
type Router struct {
	users    UserStore
	groups   GroupStore
	store    MessageStore
	gate     Gate
	codec    *codec.Codec
	presence *presence.Registry
	log      *slog.Logger
	now      func() time.Time
}

type Config struct {
	Users    UserStore
	Groups   GroupStore
	Store    MessageStore
	Gate     Gate
	Codec    *codec.Codec
	Presence *presence.Registry
	Logger   *slog.Logger
}

func New(config Config) *Router {
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		users:    config.Users,
		groups:   config.Groups,
		store:    config.Store,
		gate:     config.Gate,
		codec:    config.Codec,
		presence: config.Presence,
		log:      log,
		now:      time.Now,
	}
}

// SendDirect runs the full pipeline for a friend-gated direct message.
// The recipient may be referenced by id or by handle. The returned message
// carries plaintext in Body for the caller's echo; the persisted record
// holds only ciphertext.
func (r *Router) SendDirect(ctx context.Context, senderID, recipientRef, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyBody
	}

	recipient, err := r.resolveUser(recipientRef)
	if err != nil {
		return models.Message{}, ErrRecipientNotFound
	}

	ok, err := r.gate.CanSendDirect(senderID, recipient.ID)
	if err != nil {
		return models.Message{}, fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return models.Message{}, ErrUnauthorized
	}

	msg, err := r.persist(models.Message{
		ID:        uuid.NewString(),
		Sender:    senderID,
		Recipient: recipient.ID,
		Timestamp: r.now().UnixMilli(),
	}, body)
	if err != nil {
		return models.Message{}, err
	}

	// Best-effort live fanout to every handle of sender and recipient. A
	// handle gone between resolution and delivery is simply skipped; the
	// persisted record remains retrievable.
	ev := messageEvent(msg)
	r.deliverTo(ev, senderID)
	if recipient.ID != senderID {
		r.deliverTo(ev, recipient.ID)
	}

	return msg, nil
}

// SendGroup runs the pipeline for a membership-gated group message, fanning
// out to every member including the sender's own connections.
func (r *Router) SendGroup(ctx context.Context, senderID, groupID, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyBody
	}

	ok, err := r.gate.CanSendGroup(senderID, groupID)
	if err != nil {
		if errors.Is(err, authz.ErrGroupNotFound) {
			return models.Message{}, err
		}
		return models.Message{}, fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return models.Message{}, ErrUnauthorized
	}

	msg, err := r.persist(models.Message{
		ID:        uuid.NewString(),
		Sender:    senderID,
		GroupID:   groupID,
		Timestamp: r.now().UnixMilli(),
	}, body)
	if err != nil {
		return models.Message{}, err
	}

	// The sender's echo does not depend on the member list, so it goes out
	// before the group is re-read for fanout.
	ev := messageEvent(msg)
	r.deliverTo(ev, senderID)

	group, err := r.groups.GetGroup(groupID)
	if err != nil {
		// The group vanished after authorization; the message is durable and
		// already echoed, so only the member fanout is lost.
		r.log.Warn("group gone before fanout", "group_id", groupID, "error", err)
		return msg, nil
	}

	for _, memberID := range group.Members {
		if memberID != senderID {
			r.deliverTo(ev, memberID)
		}
	}

	return msg, nil
}

// DirectHistory returns the conversation between the reader and another
// user, friendship-gated, with bodies decrypted. Records that fail to
// decrypt are returned with a placeholder body instead of failing the read.
func (r *Router) DirectHistory(ctx context.Context, readerID, otherRef string) ([]models.Message, error) {
	other, err := r.resolveUser(otherRef)
	if err != nil {
		return nil, ErrRecipientNotFound
	}

	ok, err := r.gate.CanSendDirect(readerID, other.ID)
	if err != nil {
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}

	messages, err := r.store.ListDirectMessages(readerID, other.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return r.decryptAll(messages), nil
}

// GroupHistory returns a group's conversation, membership-gated.
func (r *Router) GroupHistory(ctx context.Context, readerID, groupID string) ([]models.Message, error) {
	ok, err := r.gate.CanSendGroup(readerID, groupID)
	if err != nil {
		if errors.Is(err, authz.ErrGroupNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("authorization check failed: %w", err)
	}
	if !ok {
		return nil, ErrUnauthorized
	}

	messages, err := r.store.ListGroupMessages(groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return r.decryptAll(messages), nil
}

// PresenceChanged broadcasts a presence transition to everyone entitled to
// see it and records last-seen on the offline transition. Wired as the
// presence registry's change callback.
func (r *Router) PresenceChanged(userID string, online bool, lastSeen int64) {
	if !online {
		if err := r.users.UpdateLastSeen(userID, lastSeen); err != nil {
			r.log.Error("failed to persist last seen", "user_id", userID, "error", err)
		}
	}

	audience, err := r.gate.PresenceAudience(userID)
	if err != nil {
		r.log.Error("failed to resolve presence audience", "user_id", userID, "error", err)
		return
	}

	ev := models.ServerEvent{
		Type:     models.ServerEventPresenceChanged,
		UserID:   userID,
		Online:   online,
		LastSeen: lastSeen,
	}
	for _, id := range audience {
		r.deliverTo(ev, id)
	}
}

// ReasonFor maps a send failure to the wire-level error reason. Authorization
// denials stay generic so a prober cannot learn relationship state.
func ReasonFor(err error) models.ErrorReason {
	switch {
	case errors.Is(err, ErrRecipientNotFound):
		return models.ReasonRecipientNotFound
	case errors.Is(err, authz.ErrGroupNotFound):
		return models.ReasonGroupNotFound
	case errors.Is(err, ErrUnauthorized):
		return models.ReasonUnauthorized
	case errors.Is(err, ErrEmptyBody):
		return models.ReasonInvalidMessage
	default:
		return models.ReasonSendFailed
	}
}

func (r *Router) persist(msg models.Message, body string) (models.Message, error) {
	ciphertext, err := r.codec.Encrypt(body)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	msg.Ciphertext = ciphertext

	if _, err := r.store.AppendMessage(msg); err != nil {
		r.log.Error("failed to persist message", "message_id", msg.ID, "error", err)
		return models.Message{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	msg.Body = body
	return msg, nil
}

func (r *Router) deliverTo(ev models.ServerEvent, userID string) {
	for _, h := range r.presence.ConnectionsFor(userID) {
		if !h.Deliver(ev) {
			r.log.Debug("dropped event for slow connection", "user_id", userID, "handle_id", h.ID)
		}
	}
}

func (r *Router) decryptAll(messages []models.Message) []models.Message {
	for i := range messages {
		body, err := r.codec.Decrypt(messages[i].Ciphertext)
		if err != nil {
			r.log.Error("stored message cannot be decrypted", "message_id", messages[i].ID)
			messages[i].Body = UnreadablePlaceholder
			continue
		}
		messages[i].Body = body
	}
	return messages
}

func (r *Router) resolveUser(ref string) (models.User, error) {
	user, err := r.users.GetUser(ref)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.User{}, err
	}
	return r.users.GetUserByHandle(content.NormalizeHandle(ref))
}

func messageEvent(msg models.Message) models.ServerEvent {
	return models.ServerEvent{
		Type:      models.ServerEventMessage,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		GroupID:   msg.GroupID,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
	}
}
