// Package proto defines the call signaling wire protocol: the envelope that
// flows on a room's signaling topic, the out-of-band notification payloads,
// and the topic naming scheme.  Single source of truth for all topic strings
// and signal type constants used across the codebase.
package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MdnsTag = "callkit-mdns"
)

// ── Topic constants ───────────────────────────────────────────────────────────
const (
	// Room signaling — all in-call envelopes for one room share this topic.
	TopicRoomPrefix = "room:" // + room key

	// Per-recipient notification — incoming-call invites and rejections for
	// 1:1 calls. Distinct from the room topic so a ringing callee never has
	// to join the room to hear about the call.
	TopicNotifyPrefix = "notify:" // + peerID
)

// ── Signal type constants ─────────────────────────────────────────────────────
// Value of the "type" field in every room-topic envelope.
const (
	TypeJoin      = "join"          // participant entered the room topic
	TypeOffer     = "offer"         // SDP offer, sender → target
	TypeAnswer    = "answer"        // SDP answer, sender → target
	TypeCandidate = "candidate"     // trickle ICE candidate, sender → target
	TypeLeave     = "leave"         // participant left the call
	TypeRejected  = "call-rejected" // callee declined before joining
)

// Notification type constants — "type" field on the notify topic.
const (
	TypeIncomingCall = "incoming-call"
)

// CallType selects what local media a session captures.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Identity is the directory-resolved display identity of a participant.
// Carried on envelopes only for rendering; never persisted.
type Identity struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Envelope is one signaling message on a room topic.
//
// TargetID is set on offer/answer/candidate (they are peer-addressed even
// though delivery is broadcast); join/leave/call-rejected fan out to the room.
type Envelope struct {
	Type      string          `json:"type"`
	SenderID  string          `json:"sender_id"`
	TargetID  string          `json:"target_id,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Identity  *Identity       `json:"identity,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}

// IncomingCallPayload rings a specific peer on its notification topic.
type IncomingCallPayload struct {
	Type     string   `json:"type"` // TypeIncomingCall
	Caller   string   `json:"caller"`
	RoomID   string   `json:"room_id"`
	CallType CallType `json:"call_type"`
}

// RejectionPayload tells the caller the callee declined.
type RejectionPayload struct {
	RejectedBy         string `json:"rejected_by"`
	RejectedByUsername string `json:"rejected_by_username,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// Marshal encodes the envelope for the wire, stamping TS if unset.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.TS == 0 {
		e.TS = NowMillis()
	}
	return json.Marshal(e)
}

// ParseEnvelope decodes and minimally validates a wire envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Type == "" || e.SenderID == "" {
		return nil, errors.New("envelope missing type or sender_id")
	}
	return &e, nil
}

// RoomTopic returns the signaling topic for a room key.
func RoomTopic(roomID string) string { return TopicRoomPrefix + roomID }

// NotifyTopic returns the notification topic for one recipient.
func NotifyTopic(peerID string) string { return TopicNotifyPrefix + peerID }

// NewRoomID mints a fresh room key for a group call.  Group rooms have no
// natural derivation, so the creator generates one and shares it out of band.
func NewRoomID() string { return uuid.NewString() }

// PairRoomID derives a deterministic room key for a 1:1 call so both sides
// compute the same topic without coordination.  Order-insensitive.
func PairRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
	return hex.EncodeToString(sum[:16])
}
