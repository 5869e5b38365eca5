package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/signal"
	"github.com/petervdpas/callkit/internal/util"
)

// Invite is one ringing inbound call.
type Invite struct {
	Caller   string
	RoomID   string
	CallType proto.CallType
}

// Inbox listens on this peer's notification topic and surfaces inbound call
// invites.  Accepting is done through Controller.Accept; Reject answers
// without ever joining the room.
type Inbox struct {
	transport signal.Transport
	selfID    string
	identity  proto.Identity
	sub       signal.Subscription
	ch        chan Invite
	once      sync.Once
}

// NewInbox subscribes to the notification topic for selfID.
func NewInbox(t signal.Transport, selfID string, identity proto.Identity) (*Inbox, error) {
	sub, err := t.Subscribe(proto.NotifyTopic(selfID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	in := &Inbox{
		transport: t,
		selfID:    selfID,
		identity:  identity,
		sub:       sub,
		ch:        make(chan Invite, 8),
	}
	go in.pump()
	return in, nil
}

func (in *Inbox) pump() {
	for msg := range in.sub.C() {
		var payload proto.IncomingCallPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("INBOX [%s]: bad notification: %v", in.selfID, err)
			continue
		}
		if payload.Type != proto.TypeIncomingCall || payload.Caller == "" || payload.RoomID == "" {
			continue
		}
		inv := Invite{Caller: payload.Caller, RoomID: payload.RoomID, CallType: payload.CallType}
		select {
		case in.ch <- inv:
		default:
			log.Printf("INBOX [%s]: dropped invite from %s, inbox full", in.selfID, payload.Caller)
		}
	}
	close(in.ch)
}

// C delivers inbound invites.  Closed when the inbox is closed.
func (in *Inbox) C() <-chan Invite { return in.ch }

// Reject declines an invite: the caller is waiting on the room topic, so the
// decline goes there, plus a notification payload for surfaces that never
// joined the room.
func (in *Inbox) Reject(ctx context.Context, inv Invite) error {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultPublishTimeout)
	defer cancel()

	env := &proto.Envelope{
		Type:     proto.TypeRejected,
		SenderID: in.selfID,
		TargetID: inv.Caller,
	}
	if in.identity != (proto.Identity{}) {
		id := in.identity
		env.Identity = &id
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := in.transport.Publish(ctx, proto.RoomTopic(inv.RoomID), data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	note, err := json.Marshal(proto.RejectionPayload{
		RejectedBy:         in.selfID,
		RejectedByUsername: in.identity.Name,
	})
	if err != nil {
		return err
	}
	// Best effort — the room envelope already carried the decline.
	_ = in.transport.Publish(ctx, proto.NotifyTopic(inv.Caller), note)
	return nil
}

// Close cancels the subscription.  Idempotent.
func (in *Inbox) Close() {
	in.once.Do(func() { in.sub.Cancel() })
}
