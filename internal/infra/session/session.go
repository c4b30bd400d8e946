// Package session defines the capability the core uses to talk to the
// messaging platform. The wire protocol lives behind Client.
package session

import (
	"context"
	"fmt"

	"github.com/vietddude/swarm/internal/core/domain"
)

// ActionKind names a provider action.
type ActionKind string

const (
	ActionJoin              ActionKind = "join"
	ActionGetParticipants   ActionKind = "get_participants"
	ActionInviteUser        ActionKind = "invite_user"
	ActionSendReaction      ActionKind = "send_reaction"
	ActionGetMessages       ActionKind = "get_messages"
	ActionGetOwnParticipant ActionKind = "get_own_participant"
)

// Entity is a resolved group, channel or user.
type Entity struct {
	ID    int64
	Ref   string
	Title string
	Kind  string
}

// Action is one provider call.
type Action struct {
	Kind      ActionKind
	Target    Entity
	UserRef   string
	MessageID int64
	Emoji     string
	Limit     int
}

// Result carries the fields an action may return.
type Result struct {
	Participants  []string
	MessageIDs    []int64
	IsParticipant bool
}

// Client is one connected account.
type Client interface {
	Connect(ctx context.Context) error
	ResolveEntity(ctx context.Context, ref string) (Entity, error)
	Invoke(ctx context.Context, action Action) (Result, error)
	Disconnect(ctx context.Context) error
}

// Factory builds a client for an account. New does not connect.
type Factory interface {
	New(account domain.Account) (Client, error)
}

// Error is a provider failure with its machine code and optional wait.
type Error struct {
	Code        string
	Message     string
	WaitSeconds int
}

func (e *Error) Error() string {
	switch {
	case e.Code == "":
		return e.Message
	case e.Message == "":
		return e.Code
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}
