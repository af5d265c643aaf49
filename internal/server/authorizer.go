package server

import (
	"context"
	"fmt"

	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/room"
	"github.com/Tyrowin/orbit/internal/store"
)

// Authorizer decides whether an identity may join a room. It returns
// ErrForbidden when access is denied.
type Authorizer interface {
	Authorize(ctx context.Context, id identity.Identity, key room.Key) error
}

// Participants reports thread participation.
type Participants interface {
	IsParticipant(ctx context.Context, threadID string, user identity.ID) (bool, error)
}

// StoreAuthorizer checks joins against the membership records in a store.
type StoreAuthorizer struct {
	store   store.Store
	threads Participants
}

// NewStoreAuthorizer returns an authorizer backed by st and threads.
func NewStoreAuthorizer(st store.Store, threads Participants) *StoreAuthorizer {
	return &StoreAuthorizer{store: st, threads: threads}
}

// Authorize implements Authorizer.
func (a *StoreAuthorizer) Authorize(ctx context.Context, id identity.Identity, key room.Key) error {
	var (
		ok  bool
		err error
	)
	switch key.Kind() {
	case room.KindUser:
		ok = key.ID() == id.ID.String()
	case room.KindChannel:
		ok, err = a.store.IsChannelMember(ctx, key.ID(), id.ID)
	case room.KindDirect:
		ok, err = a.threads.IsParticipant(ctx, key.ID(), id.ID)
	case room.KindTeamPresence:
		ok, err = a.store.IsTeamMember(ctx, key.ID(), id.ID)
	}
	if err != nil {
		return fmt.Errorf("authorize %s: %w", key, err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
