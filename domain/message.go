package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

// Client-originated message types.
const (
	TypeJoinRoom      MessageType = "join_room"
	TypeLeaveRoom     MessageType = "leave_room"
	TypeChat          MessageType = "chat"
	TypeCursorMove    MessageType = "cursor_move"
	TypeFeatureAdd    MessageType = "feature_add"
	TypeFeatureUpdate MessageType = "feature_update"
	TypeFeatureDelete MessageType = "feature_delete"
	TypePing          MessageType = "ping"
)

// Server-originated message types. Clients that predate them ignore unknown
// types, so adding to this list is backward compatible.
const (
	TypeRoomSnapshot MessageType = "room_snapshot"
	TypeMemberJoined MessageType = "member_joined"
	TypeMemberLeft   MessageType = "member_left"
	TypePong         MessageType = "pong"
)

// Message is the single envelope shape carried over the connection. Payload
// is a tagged union keyed by Type; Decode resolves it to a concrete type.
type Message struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type JoinPayload struct{}

type LeavePayload struct{}

type ChatPayload struct {
	Text string `json:"text"`
}

type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PingPayload struct{}

type MemberPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ErrUnknownType marks a message whose type this build does not understand.
// Receivers drop such messages without closing the connection.
var ErrUnknownType = errors.New("unknown message type")

var changeActions = map[MessageType]ChangeAction{
	TypeFeatureAdd:    ActionCreate,
	TypeFeatureUpdate: ActionUpdate,
	TypeFeatureDelete: ActionDelete,
}

// Decode parses an envelope and its payload. The returned payload is one of
// JoinPayload, LeavePayload, ChatPayload, CursorPayload, ChangeEvent,
// PingPayload, RoomSnapshot, or MemberPayload, depending on the type.
func Decode(data []byte) (Message, any, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch msg.Type {
	case TypeJoinRoom:
		return msg, JoinPayload{}, nil
	case TypeLeaveRoom:
		return msg, LeavePayload{}, nil
	case TypePing:
		return msg, PingPayload{}, nil
	case TypePong:
		return msg, PingPayload{}, nil
	case TypeChat:
		var p ChatPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return msg, nil, err
		}
		if p.Text == "" {
			return msg, nil, errors.New("chat: empty text")
		}
		return msg, p, nil
	case TypeCursorMove:
		var p CursorPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return msg, nil, err
		}
		return msg, p, nil
	case TypeFeatureAdd, TypeFeatureUpdate, TypeFeatureDelete:
		var ev ChangeEvent
		if err := unmarshalPayload(msg.Payload, &ev); err != nil {
			return msg, nil, err
		}
		if ev.Action != changeActions[msg.Type] {
			return msg, nil, fmt.Errorf("%s: action %q does not match", msg.Type, ev.Action)
		}
		if ev.Feature.ID == "" {
			return msg, nil, fmt.Errorf("%s: missing feature id", msg.Type)
		}
		return msg, ev, nil
	case TypeRoomSnapshot:
		var p RoomSnapshot
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return msg, nil, err
		}
		return msg, p, nil
	case TypeMemberJoined, TypeMemberLeft:
		var p MemberPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return msg, nil, err
		}
		if p.UserID == "" {
			return msg, nil, fmt.Errorf("%s: missing userId", msg.Type)
		}
		return msg, p, nil
	default:
		return msg, nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Encode marshals a payload into the envelope and the envelope to JSON.
// A nil payload leaves the payload field empty.
func Encode(msg Message, payload any) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}
