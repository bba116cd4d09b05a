// Package registry persists spoke registrations and issued tokens. It is
// the only cross-replica source of truth; everything else the hub keeps in
// memory is derivable from it plus the policy update history.
package registry

import (
	"context"
	"errors"

	"fedhub/pkg/types"
)

var (
	// ErrSpokeNotFound is returned for lookups of unknown or unregistered spokes.
	ErrSpokeNotFound = errors.New("spoke not found")

	// ErrDuplicateInstanceCode is returned when registering a spoke whose
	// instance code is already taken.
	ErrDuplicateInstanceCode = errors.New("instance code already registered")

	// ErrTokenNotFound is returned for lookups of unknown tokens.
	ErrTokenNotFound = errors.New("token not found")
)

// Store is the persistence contract for the federation registry.
// MemoryStore backs tests and single-node development; BadgerStore backs
// production deployments.
type Store interface {
	// SaveSpoke inserts or updates a spoke record. Insertion of a new record
	// with an instance code that already belongs to a different spoke fails
	// with ErrDuplicateInstanceCode.
	SaveSpoke(ctx context.Context, reg *types.SpokeRegistration) error

	// GetSpoke returns the record for a spoke ID, or ErrSpokeNotFound.
	GetSpoke(ctx context.Context, id types.SpokeID) (*types.SpokeRegistration, error)

	// GetSpokeByInstanceCode looks up by instance code, case-insensitively.
	GetSpokeByInstanceCode(ctx context.Context, code types.InstanceCode) (*types.SpokeRegistration, error)

	// ListSpokes returns all records with any of the given statuses, or all
	// records when no status is given.
	ListSpokes(ctx context.Context, statuses ...types.SpokeStatus) ([]*types.SpokeRegistration, error)

	SaveToken(ctx context.Context, token *types.IssuedToken) error
	GetToken(ctx context.Context, tokenID string) (*types.IssuedToken, error)
	DeleteToken(ctx context.Context, tokenID string) error

	// NextVersionSeq atomically increments and returns the policy version
	// sequence counter for a date key, guaranteeing strictly increasing
	// version strings across replicas.
	NextVersionSeq(ctx context.Context, date string) (int, error)

	Close() error
}
