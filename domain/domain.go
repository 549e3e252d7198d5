package domain

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
	"time"
)

// Participant is one connected user as seen by a room. The id is stable for
// the lifetime of the connection; username is display-only and not unique.
type Participant struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Feature is a shared geometric object. Geometry is opaque to the sync layer;
// it is produced and interpreted by GIS code outside this system.
type Feature struct {
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
}

// Property keys stamped onto features by the originating client.
const (
	PropOwnerID    = "ownerId"
	PropOwnerColor = "ownerColor"
)

type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ChangeEvent is the payload of feature_add/feature_update/feature_delete.
// Annotation routes the change to the room's annotation map instead of the
// feature map; everything else is identical.
type ChangeEvent struct {
	Action     ChangeAction `json:"action"`
	Feature    Feature      `json:"feature"`
	UserID     string       `json:"userId,omitempty"`
	Annotation bool         `json:"annotation,omitempty"`
	Timestamp  int64        `json:"timestamp"`
}

// ChangeID is the de-duplication key used for echo suppression.
func (e ChangeEvent) ChangeID() string {
	return string(e.Action) + ":" + e.Feature.ID + ":" + strconv.FormatInt(e.Timestamp, 10)
}

// RoomSnapshot is the full room state sent to a client on join, replacing any
// form of history replay.
type RoomSnapshot struct {
	RoomID      string             `json:"roomId"`
	Members     []Participant      `json:"members"`
	Features    map[string]Feature `json:"features"`
	Annotations map[string]Feature `json:"annotations"`
}

var ownerPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46a5b5", "#f032e6", "#9a6324", "#008080", "#800000",
}

// OwnerColor derives a display color from a user id. Deterministic, so every
// client renders the same color for the same owner without coordination.
func OwnerColor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return ownerPalette[int(h.Sum32())%len(ownerPalette)]
}

// ActivityScore maps time since a room's last mutation to a 0-100 display
// score. Anything beyond an hour scores zero. Display only, never used for
// admission control.
func ActivityScore(sinceLastActivity time.Duration) int {
	const horizon = time.Hour
	if sinceLastActivity <= 0 {
		return 100
	}
	if sinceLastActivity >= horizon {
		return 0
	}
	return int(100 - sinceLastActivity*100/horizon)
}

// Connection is one server-side client connection. Send must not block the
// caller; implementations buffer and report an error when the buffer is full.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Departure records a room a connection was removed from, so the caller can
// notify the remaining members.
type Departure struct {
	RoomID      string
	Participant Participant
}

// RoomStatus is the read-only view served by the room status endpoint.
type RoomStatus struct {
	RoomID        string    `json:"roomId"`
	Exists        bool      `json:"exists"`
	Members       int       `json:"members"`
	Features      int       `json:"features"`
	Annotations   int       `json:"annotations"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	LastActivity  time.Time `json:"lastActivity,omitempty"`
	ActivityScore int       `json:"activityScore"`
}

// Registry is the server-side room authority: membership, shared state, and
// fan-out. Rooms are created lazily on join and expire after a grace period
// once empty.
type Registry interface {
	Join(conn Connection, roomID string, p Participant) RoomSnapshot
	Leave(conn Connection, roomID string) (Participant, bool)
	LeaveAll(conn Connection) []Departure
	Broadcast(roomID string, data []byte, excludeConnID string)
	ApplyChange(roomID string, ev ChangeEvent) bool
	Touch(roomID, userID string)
	RoomStatus(roomID string) RoomStatus
	Stats() (rooms, clients int)
}

// MessageHandler processes raw inbound frames from a connection and is told
// when the connection goes away without an explicit leave.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnected(conn Connection)
}
