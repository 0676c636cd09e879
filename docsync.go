package docsync

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// message type tags used on the broadcast channel
const (
	MessageTypeUpdate      = "document-update"
	MessageTypeStateVector = "state-vector"
)

// an encoded empty update. updates at or below this size carry no operations
// and are not worth broadcasting
const EmptyUpdateSize = 2

// Origin tags every apply against a document so that update observers can
// tell their own applies apart from genuinely new local edits. Without the
// tag, an apply would re-trigger the observers that caused it and loop.
type Origin int

const (
	// an edit made by the host application
	OriginLocal Origin = 0
	// an inbound peer update applied by the sync provider
	OriginRemote Origin = 1
	// a persisted snapshot applied by the store provider during bootstrap
	OriginStorage Origin = 2
)

func (self Origin) String() string {
	switch self {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginStorage:
		return "storage"
	default:
		return fmt.Sprintf("origin(%d)", int(self))
	}
}

// User identifies the sending replica on every outbound message
type User struct {
	Id Id `json:"id"`
}

// UpdateMessage carries one base64 document update
type UpdateMessage struct {
	Update    string `json:"update"`
	User      User   `json:"user"`
	Timestamp int64  `json:"timestamp"`
}

// StateVectorMessage advertises what the sending replica has already seen
type StateVectorMessage struct {
	StateVector string `json:"stateVector"`
	User        User   `json:"user"`
	Timestamp   int64  `json:"timestamp"`
}

// EncodeBinary converts a raw update or state vector into the string-safe
// form required by the broadcast channel and the row store.
func EncodeBinary(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBinary(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
