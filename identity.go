package chatsync

import (
	"context"
	"errors"
)

// IdentityResolver supplies the authenticated principal.
type IdentityResolver interface {
	Resolve(ctx context.Context) (Principal, error)
}

// StaticIdentity resolves to a fixed, preconfigured principal.
type StaticIdentity Principal

func (s StaticIdentity) Resolve(context.Context) (Principal, error) {
	if s.ID == "" {
		return Principal{}, errors.New("chatsync: no user id configured")
	}
	return Principal(s), nil
}
