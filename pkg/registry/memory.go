package registry

import (
	"context"
	"sync"

	"fedhub/pkg/types"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu sync.RWMutex

	spokes  map[types.SpokeID]*types.SpokeRegistration
	byCode  map[types.InstanceCode]types.SpokeID
	tokens  map[string]*types.IssuedToken
	verseqs map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spokes:  make(map[types.SpokeID]*types.SpokeRegistration),
		byCode:  make(map[types.InstanceCode]types.SpokeID),
		tokens:  make(map[string]*types.IssuedToken),
		verseqs: make(map[string]int),
	}
}

func (ms *MemoryStore) SaveSpoke(ctx context.Context, reg *types.SpokeRegistration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	code := reg.InstanceCode.Normalized()
	if existing, taken := ms.byCode[code]; taken && existing != reg.SpokeID {
		return ErrDuplicateInstanceCode
	}

	// Store a copy to prevent external mutation of the persisted record.
	stored := *reg
	ms.spokes[reg.SpokeID] = &stored
	ms.byCode[code] = reg.SpokeID
	return nil
}

func (ms *MemoryStore) GetSpoke(ctx context.Context, id types.SpokeID) (*types.SpokeRegistration, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	reg, exists := ms.spokes[id]
	if !exists {
		return nil, ErrSpokeNotFound
	}
	regCopy := *reg
	return &regCopy, nil
}

func (ms *MemoryStore) GetSpokeByInstanceCode(ctx context.Context, code types.InstanceCode) (*types.SpokeRegistration, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	id, exists := ms.byCode[code.Normalized()]
	if !exists {
		return nil, ErrSpokeNotFound
	}
	regCopy := *ms.spokes[id]
	return &regCopy, nil
}

func (ms *MemoryStore) ListSpokes(ctx context.Context, statuses ...types.SpokeStatus) ([]*types.SpokeRegistration, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	results := make([]*types.SpokeRegistration, 0, len(ms.spokes))
	for _, reg := range ms.spokes {
		if len(statuses) > 0 && !statusMatches(reg.Status, statuses) {
			continue
		}
		regCopy := *reg
		results = append(results, &regCopy)
	}
	return results, nil
}

func (ms *MemoryStore) SaveToken(ctx context.Context, token *types.IssuedToken) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored := *token
	ms.tokens[token.TokenID] = &stored
	return nil
}

func (ms *MemoryStore) GetToken(ctx context.Context, tokenID string) (*types.IssuedToken, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	token, exists := ms.tokens[tokenID]
	if !exists {
		return nil, ErrTokenNotFound
	}
	tokenCopy := *token
	return &tokenCopy, nil
}

func (ms *MemoryStore) DeleteToken(ctx context.Context, tokenID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tokens[tokenID]; !exists {
		return ErrTokenNotFound
	}
	delete(ms.tokens, tokenID)
	return nil
}

func (ms *MemoryStore) NextVersionSeq(ctx context.Context, date string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.verseqs[date]++
	return ms.verseqs[date], nil
}

func (ms *MemoryStore) Close() error {
	return nil
}

func statusMatches(status types.SpokeStatus, statuses []types.SpokeStatus) bool {
	for _, s := range statuses {
		if status == s {
			return true
		}
	}
	return false
}
