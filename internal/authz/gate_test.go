package authz

import (
	"errors"
	"sort"
	"testing"

	"molva/internal/models"
)

type fakeUserStore map[string]models.User

func (f fakeUserStore) GetUser(id string) (models.User, error) {
	u, ok := f[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

type fakeGroupStore map[string]models.Group

func (f fakeGroupStore) GetGroup(id string) (models.Group, error) {
	g, ok := f[id]
	if !ok {
		return models.Group{}, models.ErrNotFound
	}
	return g, nil
}

func (f fakeGroupStore) ListGroupsFor(userID string) ([]models.Group, error) {
	var out []models.Group
	for _, g := range f {
		if g.IsMember(userID) {
			out = append(out, g)
		}
	}
	return out, nil
}

func newTestGate() *Gate {
	users := fakeUserStore{
		"alice":   {ID: "alice", Friends: []string{"bob"}},
		"bob":     {ID: "bob", Friends: []string{"alice"}},
		"charlie": {ID: "charlie"},
	}
	groups := fakeGroupStore{
		"g1": {ID: "g1", Creator: "alice", Admins: []string{"alice"}, Members: []string{"alice", "charlie"}},
	}
	return New(users, groups)
}

func TestGate_CanSendDirect(t *testing.T) {
	g := newTestGate()

	ok, err := g.CanSendDirect("alice", "bob")
	if err != nil {
		t.Fatalf("CanSendDirect failed: %v", err)
	}
	if !ok {
		t.Error("expected alice to be allowed to message her friend bob")
	}

	ok, err = g.CanSendDirect("alice", "charlie")
	if err != nil {
		t.Fatalf("CanSendDirect failed: %v", err)
	}
	if ok {
		t.Error("expected alice to be denied messaging non-friend charlie")
	}

	if _, err := g.CanSendDirect("ghost", "bob"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown sender, got %v", err)
	}
}

func TestGate_CanSendGroup(t *testing.T) {
	g := newTestGate()

	ok, err := g.CanSendGroup("charlie", "g1")
	if err != nil {
		t.Fatalf("CanSendGroup failed: %v", err)
	}
	if !ok {
		t.Error("expected member charlie to be allowed")
	}

	ok, err = g.CanSendGroup("bob", "g1")
	if err != nil {
		t.Fatalf("CanSendGroup failed: %v", err)
	}
	if ok {
		t.Error("expected non-member bob to be denied")
	}

	if _, err := g.CanSendGroup("alice", "nope"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestGate_PresenceAudience(t *testing.T) {
	g := newTestGate()

	// Alice's audience: friend bob + group co-member charlie, no duplicates,
	// never herself.
	audience, err := g.PresenceAudience("alice")
	if err != nil {
		t.Fatalf("PresenceAudience failed: %v", err)
	}
	sort.Strings(audience)

	want := []string{"bob", "charlie"}
	if len(audience) != len(want) {
		t.Fatalf("expected audience %v, got %v", want, audience)
	}
	for i := range want {
		if audience[i] != want[i] {
			t.Fatalf("expected audience %v, got %v", want, audience)
		}
	}
}
