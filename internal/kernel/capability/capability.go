// Package capability implements per-entity, per-capability grants
// with expiry, gating every side-effecting executor invocation.
package capability

import (
	"sync"
	"time"

	"github.com/kandev/agentkernel/internal/common/logger"
	"go.uber.org/zap"
)

// EntityKind classifies the holder of a capability grant. A System
// entity implicitly holds every capability.
type EntityKind string

const (
	Agent  EntityKind = "agent"
	Module EntityKind = "module"
	User   EntityKind = "user"
	System EntityKind = "system"
)

// Grant binds a capability to an entity until an optional expiry.
type Grant struct {
	EntityID   string
	EntityKind EntityKind
	Capability string
	ExpiresAt  *time.Time
}

func (g *Grant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// Store persists grants. The default Manager keeps an in-memory
// store; PostgresStore (postgres_store.go) is an optional durable
// alternative behind the same interface.
type Store interface {
	Put(g *Grant)
	Delete(entityID, capability string)
	DeleteAll(entityID string)
	Get(entityID, capability string) (*Grant, bool)
}

// Manager is the capability-gate component. Reads are lock-free-ish
// (RWMutex read lock); mutation is serialized, matching spec.md §5's
// "capability manager: read-heavy; mutation serialized."
type Manager struct {
	mu          sync.RWMutex
	store       Store
	entityKinds map[string]EntityKind
	logger      *logger.Logger
}

// NewManager returns a Manager backed by store. Pass NewMemoryStore()
// for the default in-process behavior.
func NewManager(store Store, log *logger.Logger) *Manager {
	return &Manager{
		store:       store,
		entityKinds: make(map[string]EntityKind),
		logger:      log.WithFields(zap.String("component", "capability_manager")),
	}
}

// Grant adds caps for entityID, additive union with any existing
// grants.
func (m *Manager) Grant(entityID string, entityKind EntityKind, caps []string, expiresAt *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entityKinds[entityID] = entityKind
	for _, c := range caps {
		m.store.Put(&Grant{
			EntityID:   entityID,
			EntityKind: entityKind,
			Capability: c,
			ExpiresAt:  expiresAt,
		})
	}
	m.logger.Info("granted capabilities",
		zap.String("entity_id", entityID),
		zap.String("entity_kind", string(entityKind)),
		zap.Strings("capabilities", caps))
}

// Revoke removes a single capability grant for entityID. Revocation is
// immediate and final; a later Check never honors it again.
func (m *Manager) Revoke(entityID, cap string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Delete(entityID, cap)
	m.logger.Info("revoked capability", zap.String("entity_id", entityID), zap.String("capability", cap))
}

// RevokeAll removes every grant for entityID.
func (m *Manager) RevokeAll(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.DeleteAll(entityID)
	m.logger.Info("revoked all capabilities", zap.String("entity_id", entityID))
}

// Check reports whether entityID currently holds cap. A System entity
// always holds every capability. A grant observed past its expiry is
// treated as not-held and lazily removed.
func (m *Manager) Check(entityID string, cap string) bool {
	m.mu.RLock()
	kind := m.entityKinds[entityID]
	g, ok := m.store.Get(entityID, cap)
	m.mu.RUnlock()

	if kind == System {
		return true
	}
	if !ok {
		return false
	}
	if g.expired(time.Now()) {
		m.mu.Lock()
		m.store.Delete(entityID, cap)
		m.mu.Unlock()
		return false
	}
	return true
}

// CheckAll reports whether entityID holds every capability in caps.
func (m *Manager) CheckAll(entityID string, caps []string) (bool, string) {
	for _, c := range caps {
		if !m.Check(entityID, c) {
			return false, c
		}
	}
	return true, ""
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]*Grant // entityID -> capability -> grant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]map[string]*Grant)}
}

func (s *MemoryStore) Put(g *Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[g.EntityID] == nil {
		s.grants[g.EntityID] = make(map[string]*Grant)
	}
	s.grants[g.EntityID][g.Capability] = g
}

func (s *MemoryStore) Delete(entityID, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[entityID], capability)
}

func (s *MemoryStore) DeleteAll(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, entityID)
}

func (s *MemoryStore) Get(entityID, capability string) (*Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[entityID][capability]
	return g, ok
}
