package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"molva/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketHandles  = []byte("handles")
	bucketGroups   = []byte("groups")
	bucketMessages = []byte("messages")
	bucketTokens   = []byte("tokens")
)

var (
	ErrAlreadyFriends = errors.New("already friends")
	ErrRequestExists  = errors.New("friend request already sent")
	ErrNoRequest      = errors.New("no friend request from this user")
	ErrNotFriends     = errors.New("this user is not your friend")
	ErrNotMember      = errors.New("user is not a group member")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketUsers, bucketHandles, bucketGroups, bucketMessages, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateUser stores a new user record and claims the handle. Fails with
// models.ErrExists when the handle is already taken; the existence check and
// the write share one transaction, so concurrent registrations of the same
// handle cannot both succeed.
func (s *BboltStorage) CreateUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		handles := tx.Bucket(bucketHandles)
		if handles.Get([]byte(user.Handle)) != nil {
			return models.ErrExists
		}

		err := putUser(tx, &DBUser{
			ID:           user.ID,
			Handle:       user.Handle,
			DisplayName:  user.DisplayName,
			Bio:          user.Bio,
			PasswordHash: passwordHash,
		})
		if err != nil {
			return err
		}
		return handles.Put([]byte(user.Handle), []byte(user.ID))
	})
}

// UpsertUser stores a user record, preserving the stored password hash when
// the caller does not supply one, and keeps the handle index current.
func (s *BboltStorage) UpsertUser(user models.User, passwordHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		dbUser := &DBUser{
			ID:             user.ID,
			Handle:         user.Handle,
			DisplayName:    user.DisplayName,
			Bio:            user.Bio,
			PasswordHash:   passwordHash,
			LastSeen:       user.Presence.LastSeen,
			Friends:        user.Friends,
			FriendRequests: user.FriendRequests,
		}

		if dbUser.PasswordHash == "" {
			if old, err := getUser(tx, user.ID); err == nil {
				dbUser.PasswordHash = old.PasswordHash
			}
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbUser.Key(), data); err != nil {
			return err
		}
		return tx.Bucket(bucketHandles).Put([]byte(user.Handle), []byte(user.ID))
	})
}

// GetUser returns a user by id. Fails with models.ErrNotFound.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, id)
		if err != nil {
			return err
		}
		user = toUser(dbUser)
		return nil
	})
	return user, err
}

// GetUserByHandle resolves a user through the handle index.
func (s *BboltStorage) GetUserByHandle(handle string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketHandles).Get([]byte(handle))
		if id == nil {
			return models.ErrNotFound
		}
		dbUser, err := getUser(tx, string(id))
		if err != nil {
			return err
		}
		user = toUser(dbUser)
		return nil
	})
	return user, err
}

// GetPasswordHash returns the stored password hash for a handle.
func (s *BboltStorage) GetPasswordHash(handle string) (string, error) {
	var hash string
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketHandles).Get([]byte(handle))
		if id == nil {
			return models.ErrNotFound
		}
		dbUser, err := getUser(tx, string(id))
		if err != nil {
			return err
		}
		hash = dbUser.PasswordHash
		return nil
	})
	return hash, err
}

// ListUsers returns all users sorted by handle.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, toUser(&dbUser))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Handle < users[j].Handle })
	return users, nil
}

// UpdateLastSeen records the user's last-seen timestamp on the offline
// transition.
func (s *BboltStorage) UpdateLastSeen(userID string, lastSeen int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		dbUser.LastSeen = lastSeen
		return putUser(tx, dbUser)
	})
}

// AddFriendRequest records a pending request on the target user.
func (s *BboltStorage) AddFriendRequest(fromID, toID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		target, err := getUser(tx, toID)
		if err != nil {
			return err
		}
		if _, err := getUser(tx, fromID); err != nil {
			return err
		}
		if containsID(target.Friends, fromID) {
			return ErrAlreadyFriends
		}
		if containsID(target.FriendRequests, fromID) {
			return ErrRequestExists
		}
		target.FriendRequests = append(target.FriendRequests, fromID)
		return putUser(tx, target)
	})
}

// AcceptFriendRequest removes the pending request and adds each user to the
// other's friend set. Both sides are updated in a single transaction so a
// concurrent read never observes a half-updated pair.
func (s *BboltStorage) AcceptFriendRequest(userID, senderID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		user, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		sender, err := getUser(tx, senderID)
		if err != nil {
			return err
		}
		if !containsID(user.FriendRequests, senderID) {
			return ErrNoRequest
		}

		user.FriendRequests = removeID(user.FriendRequests, senderID)
		user.Friends = append(user.Friends, senderID)
		sender.Friends = append(sender.Friends, userID)

		if err := putUser(tx, user); err != nil {
			return err
		}
		return putUser(tx, sender)
	})
}

// RejectFriendRequest drops the pending request without touching friend sets.
func (s *BboltStorage) RejectFriendRequest(userID, senderID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		user, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		if !containsID(user.FriendRequests, senderID) {
			return ErrNoRequest
		}
		user.FriendRequests = removeID(user.FriendRequests, senderID)
		return putUser(tx, user)
	})
}

// RemoveFriend removes the friendship from both sides atomically.
func (s *BboltStorage) RemoveFriend(userID, friendID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		user, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		friend, err := getUser(tx, friendID)
		if err != nil {
			return err
		}
		if !containsID(user.Friends, friendID) {
			return ErrNotFriends
		}

		user.Friends = removeID(user.Friends, friendID)
		friend.Friends = removeID(friend.Friends, userID)

		if err := putUser(tx, user); err != nil {
			return err
		}
		return putUser(tx, friend)
	})
}

// CreateGroup stores a new group, forcing the creator into both the admin
// and member sets.
func (s *BboltStorage) CreateGroup(group models.Group) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if !containsID(group.Admins, group.Creator) {
			group.Admins = append(group.Admins, group.Creator)
		}
		if !containsID(group.Members, group.Creator) {
			group.Members = append(group.Members, group.Creator)
		}
		return putGroup(tx, &DBGroup{
			ID:          group.ID,
			Name:        group.Name,
			Description: group.Description,
			Creator:     group.Creator,
			Admins:      group.Admins,
			Members:     group.Members,
		})
	})
}

// GetGroup returns a group by id. Fails with models.ErrNotFound.
func (s *BboltStorage) GetGroup(id string) (models.Group, error) {
	var group models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbGroup, err := getGroup(tx, id)
		if err != nil {
			return err
		}
		group = toGroup(dbGroup)
		return nil
	})
	return group, err
}

// ListGroupsFor returns every group the user is a member of.
func (s *BboltStorage) ListGroupsFor(userID string) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var dbGroup DBGroup
			if err := dbGroup.UnmarshalBinary(v); err != nil {
				return err
			}
			if containsID(dbGroup.Members, userID) {
				groups = append(groups, toGroup(&dbGroup))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// AddGroupMember adds a user to the member set.
func (s *BboltStorage) AddGroupMember(groupID, memberID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		group, err := getGroup(tx, groupID)
		if err != nil {
			return err
		}
		if _, err := getUser(tx, memberID); err != nil {
			return err
		}
		if containsID(group.Members, memberID) {
			return nil
		}
		group.Members = append(group.Members, memberID)
		return putGroup(tx, group)
	})
}

// PromoteGroupAdmin adds an existing member to the admin set.
func (s *BboltStorage) PromoteGroupAdmin(groupID, memberID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		group, err := getGroup(tx, groupID)
		if err != nil {
			return err
		}
		if !containsID(group.Members, memberID) {
			return ErrNotMember
		}
		if containsID(group.Admins, memberID) {
			return nil
		}
		group.Admins = append(group.Admins, memberID)
		return putGroup(tx, group)
	})
}

// AppendMessage stores an encrypted message record in its conversation
// bucket and returns the message id.
func (s *BboltStorage) AppendMessage(message models.Message) (string, error) {
	if message.ID == "" {
		return "", errors.New("message missing id")
	}

	conv, err := conversationKey(message)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(conv)
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMessage := DBMessage{
			ID:         message.ID,
			Sender:     message.Sender,
			Recipient:  message.Recipient,
			GroupID:    message.GroupID,
			Ciphertext: message.Ciphertext,
			Timestamp:  message.Timestamp,
			Read:       message.Read,
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return convBucket.Put(dbMessage.Key(), data)
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

// ListDirectMessages returns the messages between two users in chronological
// order.
func (s *BboltStorage) ListDirectMessages(userA, userB string) ([]models.Message, error) {
	return s.listConversation(directKey(userA, userB))
}

// ListGroupMessages returns a group's messages in chronological order.
func (s *BboltStorage) ListGroupMessages(groupID string) ([]models.Message, error) {
	return s.listConversation(groupKey(groupID))
}

func (s *BboltStorage) listConversation(conv []byte) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket(conv)
		if convBucket == nil {
			return nil // No messages for this conversation
		}
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:         dbMsg.ID,
				Sender:     dbMsg.Sender,
				Recipient:  dbMsg.Recipient,
				GroupID:    dbMsg.GroupID,
				Ciphertext: dbMsg.Ciphertext,
				Timestamp:  dbMsg.Timestamp,
				Read:       dbMsg.Read,
			})
			return nil
		})
	})
	return messages, err
}

// MarkDirectRead flips the read flag on every message in the pair
// conversation that is addressed to the reader. The read flag is meaningful
// only for direct messages.
func (s *BboltStorage) MarkDirectRead(readerID, senderID string) error {
	conv := directKey(readerID, senderID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket(conv)
		if convBucket == nil {
			return nil
		}
		c := convBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.Recipient != readerID || dbMsg.Read {
				continue
			}
			dbMsg.Read = true
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := convBucket.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertToken stores a hashed session token with its issue time.
func (s *BboltStorage) UpsertToken(session models.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbToken := &DBToken{
			UserID:   session.UserID,
			Token:    session.TokenHash,
			IssuedAt: session.IssuedAt,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

func (s *BboltStorage) ListTokens() ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			sessions = append(sessions, models.Session{
				UserID:    dbToken.UserID,
				TokenHash: dbToken.Token,
				IssuedAt:  dbToken.IssuedAt,
			})
			return nil
		})
	})
	return sessions, err
}

// Helpers

func getUser(tx *bbolt.Tx, id string) (*DBUser, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbUser, nil
}

func putUser(tx *bbolt.Tx, dbUser *DBUser) error {
	data, err := dbUser.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
}

func getGroup(tx *bbolt.Tx, id string) (*DBGroup, error) {
	data := tx.Bucket(bucketGroups).Get([]byte(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbGroup DBGroup
	if err := dbGroup.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbGroup, nil
}

func putGroup(tx *bbolt.Tx, dbGroup *DBGroup) error {
	data, err := dbGroup.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketGroups).Put(dbGroup.Key(), data)
}

func toUser(u *DBUser) models.User {
	return models.User{
		ID:             u.ID,
		Handle:         u.Handle,
		DisplayName:    u.DisplayName,
		Bio:            u.Bio,
		Friends:        u.Friends,
		FriendRequests: u.FriendRequests,
		Presence:       models.Presence{LastSeen: u.LastSeen},
	}
}

func toGroup(g *DBGroup) models.Group {
	return models.Group{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Creator:     g.Creator,
		Admins:      g.Admins,
		Members:     g.Members,
	}
}

func conversationKey(message models.Message) ([]byte, error) {
	switch {
	case message.Recipient != "" && message.GroupID != "":
		return nil, errors.New("message cannot have both recipient and group")
	case message.Recipient != "":
		return directKey(message.Sender, message.Recipient), nil
	case message.GroupID != "":
		return groupKey(message.GroupID), nil
	default:
		return nil, errors.New("message missing recipient or group")
	}
}

func directKey(userA, userB string) []byte {
	if userB < userA {
		userA, userB = userB, userA
	}
	return []byte("dm_" + userA + "_" + userB)
}

func groupKey(groupID string) []byte {
	return []byte("grp_" + groupID)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
