// Package permission decides whether one user may open a direct conversation
// with another. Callers must run the resolver before creating a conversation
// and before reusing a cached "existing conversation" lookup: a block added
// after the conversation was created still denies.
package permission

import (
	"context"

	"huddle/internal/apperr"
)

// Blocks reports directed block edges; Blocked is true if either direction
// between the pair exists.
type Blocks interface {
	Blocked(ctx context.Context, a, b string) (bool, error)
}

// Buddies reports the undirected buddy-match override edge.
type Buddies interface {
	Matched(ctx context.Context, a, b string) (bool, error)
}

// Profiles exposes the target's allow_direct_messages flag. found=false means
// the profile row is missing or unknown.
type Profiles interface {
	DMFlag(ctx context.Context, userID string) (allowed bool, found bool, err error)
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type Resolver struct {
	blocks   Blocks
	buddies  Buddies
	profiles Profiles
}

func NewResolver(blocks Blocks, buddies Buddies, profiles Profiles) *Resolver {
	return &Resolver{blocks: blocks, buddies: buddies, profiles: profiles}
}

// Resolve checks, in order: self-DM, blocks in either direction, the target's
// DM flag (fail open when the profile is missing, so absent rows never hide
// legitimate users), and finally the buddy-match override.
func (r *Resolver) Resolve(ctx context.Context, fromUser, toUser string) (Decision, error) {
	if fromUser == toUser {
		return Decision{Allowed: false, Reason: apperr.ReasonSelfDM}, nil
	}

	blocked, err := r.blocks.Blocked(ctx, fromUser, toUser)
	if err != nil {
		return Decision{}, err
	}
	if blocked {
		return Decision{Allowed: false, Reason: apperr.ReasonBlocked}, nil
	}

	allowed, found, err := r.profiles.DMFlag(ctx, toUser)
	if err != nil {
		return Decision{}, err
	}
	if !found || allowed {
		return Decision{Allowed: true}, nil
	}

	matched, err := r.buddies.Matched(ctx, fromUser, toUser)
	if err != nil {
		return Decision{}, err
	}
	if matched {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, Reason: apperr.ReasonDMsDisabled}, nil
}

// Deny converts a negative decision into the matching domain error.
func (d Decision) Deny() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case apperr.ReasonSelfDM:
		return apperr.ErrSelfDM
	case apperr.ReasonBlocked:
		return apperr.ErrBlocked
	default:
		return apperr.ErrDMsDisabled
	}
}
