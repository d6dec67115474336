package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID             string   `msgpack:"id"`
	Handle         string   `msgpack:"handle"`
	DisplayName    string   `msgpack:"displayName"`
	Bio            string   `msgpack:"bio"`
	PasswordHash   string   `msgpack:"passwordHash"`
	LastSeen       int64    `msgpack:"lastSeen"`
	Friends        []string `msgpack:"friends"`
	FriendRequests []string `msgpack:"friendRequests"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBGroup struct {
	ID          string   `msgpack:"id"`
	Name        string   `msgpack:"name"`
	Description string   `msgpack:"description"`
	Creator     string   `msgpack:"creator"`
	Admins      []string `msgpack:"admins"`
	Members     []string `msgpack:"members"`
}

func (g *DBGroup) Key() []byte {
	return []byte(g.ID)
}

func (g *DBGroup) MarshalBinary() (data []byte, err error) {
	type alias DBGroup
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroup) UnmarshalBinary(data []byte) error {
	type alias DBGroup
	return msgpack.Unmarshal(data, (*alias)(g))
}

type DBMessage struct {
	ID         string `msgpack:"id"`
	Sender     string `msgpack:"sender"`
	Recipient  string `msgpack:"recipient"`
	GroupID    string `msgpack:"groupId"`
	Ciphertext []byte `msgpack:"ciphertext"`
	Timestamp  int64  `msgpack:"timestamp"`
	Read       bool   `msgpack:"read"`
}

// Key orders messages chronologically within a conversation bucket: 8 bytes
// of big-endian unix-milli timestamp followed by the message id to break
// ties between messages sharing a millisecond.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBToken struct {
	UserID   string `msgpack:"userId"`
	Token    string `msgpack:"token"`
	IssuedAt int64  `msgpack:"issuedAt"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}
