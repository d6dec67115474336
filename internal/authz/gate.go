package authz

import (
	"errors"

	"molva/internal/models"
)

var (
	ErrGroupNotFound = errors.New("group not found")
)

type UserStore interface {
	GetUser(id string) (models.User, error)
}

type GroupStore interface {
	GetGroup(id string) (models.Group, error)
	ListGroupsFor(userID string) ([]models.Group, error)
}

// Gate is the single authorization decision point for every send path.
// It holds no state of its own and re-reads relationship data on every call,
// since friendship and membership can change between messages.
type Gate struct {
	users  UserStore
	groups GroupStore
}

func New(users UserStore, groups GroupStore) *Gate {
	return &Gate{users: users, groups: groups}
}

// CanSendDirect reports whether sender may message recipient. Only the
// sender's own friend set is consulted; keeping both sides of a friendship
// consistent is the friend-management collaborator's responsibility.
func (g *Gate) CanSendDirect(senderID, recipientID string) (bool, error) {
	sender, err := g.users.GetUser(senderID)
	if err != nil {
		return false, err
	}
	return sender.IsFriend(recipientID), nil
}

// CanSendGroup reports whether sender is a member of the group. A group id
// that does not resolve yields ErrGroupNotFound.
func (g *Gate) CanSendGroup(senderID, groupID string) (bool, error) {
	group, err := g.groups.GetGroup(groupID)
	if errors.Is(err, models.ErrNotFound) {
		return false, ErrGroupNotFound
	}
	if err != nil {
		return false, err
	}
	return group.IsMember(senderID), nil
}

// PresenceAudience returns the ids entitled to see the user's presence:
// their friends plus members of every group the user belongs to. Resolved
// on each call, never cached.
func (g *Gate) PresenceAudience(userID string) ([]string, error) {
	user, err := g.users.GetUser(userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var audience []string
	add := func(id string) {
		if id == userID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		audience = append(audience, id)
	}

	for _, id := range user.Friends {
		add(id)
	}

	groups, err := g.groups.ListGroupsFor(userID)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		for _, id := range group.Members {
			add(id)
		}
	}

	return audience, nil
}
