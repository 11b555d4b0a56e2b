package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity strategy names recognized by configuration.
const (
	IdentityStrategyDefault = "default"
	IdentityStrategyHash    = "hash"
)

// IdentityStrategy produces the identity hash recorded on a new task.
type IdentityStrategy interface {
	IdentityHash(req *TaskRequest) (string, error)
}

// UUIDIdentity assigns a random identity per task; no deduplication.
type UUIDIdentity struct{}

// IdentityHash returns a fresh UUID.
func (UUIDIdentity) IdentityHash(*TaskRequest) (string, error) {
	return uuid.New().String(), nil
}

// HashIdentity derives a deterministic identity from the request attributes,
// with requested_at bucketed to one-minute resolution. Identical requests in
// the same minute collide, which is what drives deduplication.
type HashIdentity struct{}

// IdentityHash returns the hex sha256 of the canonical request attributes.
// Map keys marshal in sorted order, so contexts with equal contents hash
// equally.
func (HashIdentity) IdentityHash(req *TaskRequest) (string, error) {
	canonical := struct {
		Name         string         `json:"name"`
		Version      string         `json:"version"`
		Namespace    string         `json:"namespace"`
		Context      map[string]any `json:"context"`
		Initiator    string         `json:"initiator"`
		SourceSystem string         `json:"source_system"`
		Reason       string         `json:"reason"`
		RequestedAt  string         `json:"requested_at"`
	}{
		Name:         req.Name,
		Version:      req.Version,
		Namespace:    req.Namespace,
		Context:      req.Context,
		Initiator:    req.Initiator,
		SourceSystem: req.SourceSystem,
		Reason:       req.Reason,
		RequestedAt:  req.RequestedAt.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal identity attributes: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

var (
	identityMu         sync.RWMutex
	identityStrategies = map[string]IdentityStrategy{}
)

// RegisterIdentityStrategy installs a custom strategy under a name so config
// can select it. Registering a reserved name returns an error.
func RegisterIdentityStrategy(name string, strategy IdentityStrategy) error {
	if name == IdentityStrategyDefault || name == IdentityStrategyHash {
		return fmt.Errorf("identity strategy name %q is reserved", name)
	}
	identityMu.Lock()
	defer identityMu.Unlock()
	if _, exists := identityStrategies[name]; exists {
		return fmt.Errorf("identity strategy %q already registered", name)
	}
	identityStrategies[name] = strategy
	return nil
}

// NewIdentityStrategy resolves a configured strategy name. Unknown names are
// configuration errors surfaced at startup.
func NewIdentityStrategy(name string) (IdentityStrategy, error) {
	switch name {
	case "", IdentityStrategyDefault:
		return UUIDIdentity{}, nil
	case IdentityStrategyHash:
		return HashIdentity{}, nil
	}
	identityMu.RLock()
	defer identityMu.RUnlock()
	if s, ok := identityStrategies[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown identity strategy %q", name)
}
