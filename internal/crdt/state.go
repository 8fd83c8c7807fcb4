package crdt

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/nmxmxh/orgmesh/internal/core"
)

// Field names accepted by UpdateOrg
const (
	FieldName        = "name"
	FieldMemberCount = "member_count"
)

// OrgState is the replicated summary record for one organization.
type OrgState struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount uint32 `json:"member_count"`
}

// Merge folds incoming into o: member_count takes the maximum and name is
// overwritten only by a non-empty incoming value.
func (o OrgState) Merge(incoming OrgState) OrgState {
	if incoming.MemberCount > o.MemberCount {
		o.MemberCount = incoming.MemberCount
	}
	if incoming.Name != "" {
		o.Name = incoming.Name
	}
	return o
}

// Snapshotter persists exported state outside the process.
// Load returns nil data when nothing has been saved yet.
type Snapshotter interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// StateManager is the node's concurrent org-state store.
type StateManager struct {
	actorID string

	orgs map[string]OrgState
	mu   sync.RWMutex

	// persistMu orders export and Save so snapshots land in write order.
	// Acquired before mu.
	persistMu   sync.Mutex
	snapshotter Snapshotter
	logger      *slog.Logger
}

// Option configures a StateManager
type Option func(*StateManager)

// WithSnapshotter persists the full export after every successful write.
func WithSnapshotter(s Snapshotter) Option {
	return func(m *StateManager) {
		m.snapshotter = s
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *StateManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewStateManager creates an empty store owned by actorID.
func NewStateManager(actorID string, opts ...Option) *StateManager {
	m := &StateManager{
		actorID: actorID,
		orgs:    make(map[string]OrgState),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "state", "actor", actorID)
	return m
}

// ActorID identifies this node as a change originator.
func (m *StateManager) ActorID() string {
	return m.actorID
}

// UpdateOrg upserts orgID and writes one field directly. Local writes are
// authoritative and bypass the merge policy. Unknown fields and values of
// the wrong type leave the fields untouched.
func (m *StateManager) UpdateOrg(ctx context.Context, orgID, field string, value interface{}) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	org, ok := m.orgs[orgID]
	if !ok {
		org = OrgState{ID: orgID}
	}

	switch field {
	case FieldName:
		if name, ok := value.(string); ok {
			org.Name = name
		} else {
			m.logger.Debug("ignoring non-string name", "org_id", orgID, "value", value)
		}
	case FieldMemberCount:
		if count, ok := toMemberCount(value); ok {
			org.MemberCount = count
		} else {
			m.logger.Debug("ignoring invalid member_count", "org_id", orgID, "value", value)
		}
	default:
		m.logger.Debug("ignoring unknown field", "org_id", orgID, "field", field)
	}

	m.orgs[orgID] = org
	data, err := m.exportLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.persist(ctx, data)
}

// GetOrg returns a copy of the record for orgID.
func (m *StateManager) GetOrg(orgID string) (OrgState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	org, ok := m.orgs[orgID]
	if !ok {
		return OrgState{}, core.ErrEntityNotFound(orgID)
	}
	return org, nil
}

// Orgs returns all records sorted by ID.
func (m *StateManager) Orgs() []OrgState {
	m.mu.RLock()
	out := make([]OrgState, 0, len(m.orgs))
	for _, org := range m.orgs {
		out = append(out, org)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records
func (m *StateManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orgs)
}

// ExportState serializes the whole mapping as a JSON object keyed by org ID.
// Keys are emitted in sorted order so equal content hashes equally.
func (m *StateManager) ExportState() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exportLocked()
}

func (m *StateManager) exportLocked() ([]byte, error) {
	data, err := json.Marshal(m.orgs)
	if err != nil {
		return nil, core.ErrSerializationFailed("export", err)
	}
	return data, nil
}

// ImportState replaces the entire mapping with the decoded snapshot.
func (m *StateManager) ImportState(ctx context.Context, data []byte) error {
	orgs, err := decode("import", data)
	if err != nil {
		return err
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	m.orgs = orgs
	exported, err := m.exportLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("state imported", "orgs", len(orgs))
	return m.persist(ctx, exported)
}

// MergeFrom applies a peer's exported mapping entry by entry using
// OrgState.Merge. Applying the same snapshot twice is a no-op.
func (m *StateManager) MergeFrom(ctx context.Context, data []byte) error {
	incoming, err := decode("merge", data)
	if err != nil {
		return err
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	for id, org := range incoming {
		local, ok := m.orgs[id]
		if !ok {
			m.orgs[id] = org
			continue
		}
		m.orgs[id] = local.Merge(org)
	}
	exported, err := m.exportLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.persist(ctx, exported)
}

// GenerateSyncMessage returns the full-state payload addressed to peerID.
func (m *StateManager) GenerateSyncMessage(peerID string) ([]byte, error) {
	data, err := m.ExportState()
	if err != nil {
		return nil, err
	}
	m.logger.Debug("generated sync message", "peer_id", peerID, "bytes", len(data))
	return data, nil
}

// ApplySyncMessage merges a full-state payload received from peerID.
func (m *StateManager) ApplySyncMessage(ctx context.Context, peerID string, data []byte) error {
	if err := m.MergeFrom(ctx, data); err != nil {
		m.logger.Warn("sync message rejected", "peer_id", peerID, "error", err)
		return err
	}
	m.logger.Debug("applied sync message", "peer_id", peerID, "bytes", len(data))
	return nil
}

// Restore loads the last snapshot, if any, and replaces the mapping with it.
func (m *StateManager) Restore(ctx context.Context) error {
	if m.snapshotter == nil {
		return nil
	}

	data, err := m.snapshotter.Load(ctx)
	if err != nil {
		return core.ErrPersistenceFailed("load snapshot", err)
	}
	if len(data) == 0 {
		return nil
	}

	orgs, err := decode("restore", data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.orgs = orgs
	m.mu.Unlock()

	m.logger.Info("state restored from snapshot", "orgs", len(orgs))
	return nil
}

func (m *StateManager) persist(ctx context.Context, data []byte) error {
	if m.snapshotter == nil {
		return nil
	}
	if err := m.snapshotter.Save(ctx, data); err != nil {
		return core.ErrPersistenceFailed("save snapshot", err)
	}
	return nil
}

func decode(op string, data []byte) (map[string]OrgState, error) {
	orgs := make(map[string]OrgState)
	if err := json.Unmarshal(data, &orgs); err != nil {
		return nil, core.ErrSerializationFailed(op, err)
	}
	if orgs == nil {
		orgs = make(map[string]OrgState)
	}
	return orgs, nil
}

func toMemberCount(value interface{}) (uint32, bool) {
	var n float64
	switch v := value.(type) {
	case int:
		n = float64(v)
	case int8:
		n = float64(v)
	case int16:
		n = float64(v)
	case int32:
		n = float64(v)
	case int64:
		n = float64(v)
	case uint:
		n = float64(v)
	case uint8:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	case uint32:
		return v, true
	case uint64:
		n = float64(v)
	case float64:
		n = v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}

	if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return 0, false
	}
	return uint32(n), true
}
