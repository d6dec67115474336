package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"molva/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustUpsertUser(t *testing.T, store *BboltStorage, user models.User, hash string) {
	t.Helper()
	if err := store.UpsertUser(user, hash); err != nil {
		t.Fatalf("UpsertUser(%s) failed: %v", user.ID, err)
	}
}

func TestStorage_Users(t *testing.T) {
	store := newTestStorage(t)

	mustUpsertUser(t, store, models.User{ID: "u1", Handle: "@alice", DisplayName: "Alice"}, "hash1")

	t.Run("GetUser", func(t *testing.T) {
		user, err := store.GetUser("u1")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if user.Handle != "@alice" {
			t.Errorf("expected handle @alice, got %s", user.Handle)
		}
	})

	t.Run("GetUserByHandle", func(t *testing.T) {
		user, err := store.GetUserByHandle("@alice")
		if err != nil {
			t.Fatalf("GetUserByHandle failed: %v", err)
		}
		if user.ID != "u1" {
			t.Errorf("expected id u1, got %s", user.ID)
		}
	})

	t.Run("CreateUserTakenHandle", func(t *testing.T) {
		err := store.CreateUser(models.User{ID: "u9", Handle: "@alice"}, "hash9")
		if !errors.Is(err, models.ErrExists) {
			t.Errorf("expected ErrExists for taken handle, got %v", err)
		}
		// The existing account must be untouched.
		user, err := store.GetUserByHandle("@alice")
		if err != nil {
			t.Fatal(err)
		}
		if user.ID != "u1" {
			t.Errorf("handle @alice rebound to %s", user.ID)
		}
	})

	t.Run("CreateUser", func(t *testing.T) {
		if err := store.CreateUser(models.User{ID: "u2", Handle: "@bob"}, "hash2"); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		hash, err := store.GetPasswordHash("@bob")
		if err != nil {
			t.Fatal(err)
		}
		if hash != "hash2" {
			t.Errorf("expected hash2, got %q", hash)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := store.GetUser("nope"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := store.GetUserByHandle("@nope"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PasswordHashPreserved", func(t *testing.T) {
		// Upsert without a hash must not wipe the stored one.
		mustUpsertUser(t, store, models.User{ID: "u1", Handle: "@alice", DisplayName: "Alice B."}, "")
		hash, err := store.GetPasswordHash("@alice")
		if err != nil {
			t.Fatalf("GetPasswordHash failed: %v", err)
		}
		if hash != "hash1" {
			t.Errorf("expected preserved hash1, got %q", hash)
		}
	})

	t.Run("UpdateLastSeen", func(t *testing.T) {
		if err := store.UpdateLastSeen("u1", 12345); err != nil {
			t.Fatalf("UpdateLastSeen failed: %v", err)
		}
		user, err := store.GetUser("u1")
		if err != nil {
			t.Fatal(err)
		}
		if user.Presence.LastSeen != 12345 {
			t.Errorf("expected lastSeen 12345, got %d", user.Presence.LastSeen)
		}
	})
}

func TestStorage_Friends(t *testing.T) {
	store := newTestStorage(t)

	mustUpsertUser(t, store, models.User{ID: "u1", Handle: "@alice"}, "h")
	mustUpsertUser(t, store, models.User{ID: "u2", Handle: "@bob"}, "h")

	if err := store.AddFriendRequest("u1", "u2"); err != nil {
		t.Fatalf("AddFriendRequest failed: %v", err)
	}
	if err := store.AddFriendRequest("u1", "u2"); !errors.Is(err, ErrRequestExists) {
		t.Errorf("expected ErrRequestExists, got %v", err)
	}

	if err := store.AcceptFriendRequest("u2", "u1"); err != nil {
		t.Fatalf("AcceptFriendRequest failed: %v", err)
	}

	// Both sides must see the friendship.
	alice, _ := store.GetUser("u1")
	bob, _ := store.GetUser("u2")
	if !alice.IsFriend("u2") || !bob.IsFriend("u1") {
		t.Error("friendship not recorded on both sides")
	}
	if bob.HasFriendRequest("u1") {
		t.Error("accepted request still pending")
	}

	if err := store.AddFriendRequest("u1", "u2"); !errors.Is(err, ErrAlreadyFriends) {
		t.Errorf("expected ErrAlreadyFriends, got %v", err)
	}
	if err := store.AcceptFriendRequest("u2", "u1"); !errors.Is(err, ErrNoRequest) {
		t.Errorf("expected ErrNoRequest, got %v", err)
	}

	if err := store.RemoveFriend("u1", "u2"); err != nil {
		t.Fatalf("RemoveFriend failed: %v", err)
	}
	alice, _ = store.GetUser("u1")
	bob, _ = store.GetUser("u2")
	if alice.IsFriend("u2") || bob.IsFriend("u1") {
		t.Error("friendship not removed from both sides")
	}
	if err := store.RemoveFriend("u1", "u2"); !errors.Is(err, ErrNotFriends) {
		t.Errorf("expected ErrNotFriends, got %v", err)
	}
}

func TestStorage_Groups(t *testing.T) {
	store := newTestStorage(t)

	mustUpsertUser(t, store, models.User{ID: "u1", Handle: "@alice"}, "h")
	mustUpsertUser(t, store, models.User{ID: "u2", Handle: "@bob"}, "h")

	if err := store.CreateGroup(models.Group{ID: "g1", Name: "team", Creator: "u1"}); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	group, err := store.GetGroup("g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if !group.IsAdmin("u1") || !group.IsMember("u1") {
		t.Error("creator must be both admin and member")
	}

	if err := store.PromoteGroupAdmin("g1", "u2"); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember for non-member promotion, got %v", err)
	}

	if err := store.AddGroupMember("g1", "u2"); err != nil {
		t.Fatalf("AddGroupMember failed: %v", err)
	}
	if err := store.PromoteGroupAdmin("g1", "u2"); err != nil {
		t.Fatalf("PromoteGroupAdmin failed: %v", err)
	}

	group, _ = store.GetGroup("g1")
	if !group.IsAdmin("u2") {
		t.Error("u2 should be an admin after promotion")
	}

	groups, err := store.ListGroupsFor("u2")
	if err != nil {
		t.Fatalf("ListGroupsFor failed: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "g1" {
		t.Errorf("expected [g1], got %+v", groups)
	}
}

func TestStorage_Messages(t *testing.T) {
	store := newTestStorage(t)

	direct := []models.Message{
		{ID: "m1", Sender: "u1", Recipient: "u2", Ciphertext: []byte("ct1"), Timestamp: 100},
		{ID: "m2", Sender: "u2", Recipient: "u1", Ciphertext: []byte("ct2"), Timestamp: 200},
		{ID: "m3", Sender: "u1", Recipient: "u2", Ciphertext: []byte("ct3"), Timestamp: 150},
	}
	for _, m := range direct {
		if _, err := store.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage(%s) failed: %v", m.ID, err)
		}
	}

	t.Run("DirectPairOrdered", func(t *testing.T) {
		// Same conversation regardless of argument order, chronological.
		for _, pair := range [][2]string{{"u1", "u2"}, {"u2", "u1"}} {
			messages, err := store.ListDirectMessages(pair[0], pair[1])
			if err != nil {
				t.Fatalf("ListDirectMessages failed: %v", err)
			}
			if len(messages) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(messages))
			}
			for i := 1; i < len(messages); i++ {
				if messages[i].Timestamp < messages[i-1].Timestamp {
					t.Errorf("messages out of order: %d before %d", messages[i-1].Timestamp, messages[i].Timestamp)
				}
			}
		}
	})

	t.Run("MarkDirectRead", func(t *testing.T) {
		if err := store.MarkDirectRead("u2", "u1"); err != nil {
			t.Fatalf("MarkDirectRead failed: %v", err)
		}
		messages, _ := store.ListDirectMessages("u1", "u2")
		for _, m := range messages {
			if m.Recipient == "u2" && !m.Read {
				t.Errorf("message %s to u2 not marked read", m.ID)
			}
			if m.Recipient == "u1" && m.Read {
				t.Errorf("message %s to u1 wrongly marked read", m.ID)
			}
		}
	})

	t.Run("Group", func(t *testing.T) {
		if _, err := store.AppendMessage(models.Message{ID: "m4", Sender: "u1", GroupID: "g1", Ciphertext: []byte("ct4"), Timestamp: 300}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		messages, err := store.ListGroupMessages("g1")
		if err != nil {
			t.Fatalf("ListGroupMessages failed: %v", err)
		}
		if len(messages) != 1 || messages[0].ID != "m4" {
			t.Errorf("expected [m4], got %+v", messages)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := store.AppendMessage(models.Message{ID: "bad", Sender: "u1", Timestamp: 1}); err == nil {
			t.Error("expected error for message without target")
		}
		if _, err := store.AppendMessage(models.Message{ID: "bad", Sender: "u1", Recipient: "u2", GroupID: "g1", Timestamp: 1}); err == nil {
			t.Error("expected error for message with both targets")
		}
	})
}

func TestStorage_Tokens(t *testing.T) {
	store := newTestStorage(t)

	sessions := []models.Session{
		{UserID: "u1", TokenHash: "hash-a", IssuedAt: 1000},
		{UserID: "u2", TokenHash: "hash-b", IssuedAt: 2000},
	}
	for _, sess := range sessions {
		if err := store.UpsertToken(sess); err != nil {
			t.Fatalf("UpsertToken(%s) failed: %v", sess.TokenHash, err)
		}
	}

	listed, err := store.ListTokens()
	if err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	byHash := make(map[string]models.Session, len(listed))
	for _, sess := range listed {
		byHash[sess.TokenHash] = sess
	}
	for _, want := range sessions {
		got, ok := byHash[want.TokenHash]
		if !ok || got != want {
			t.Errorf("expected session %+v, got %+v", want, got)
		}
	}

	if err := store.DeleteToken("hash-a"); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	listed, _ = store.ListTokens()
	for _, sess := range listed {
		if sess.TokenHash == "hash-a" {
			t.Error("deleted token still listed")
		}
	}
}
