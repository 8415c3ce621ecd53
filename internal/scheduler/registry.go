// Package scheduler implements the control plane: the live PS registry, the
// authoritative router, the model/table name registry, and save/load/
// transfer orchestration across the cluster.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"kraken-go/internal/kerr"
	"kraken-go/internal/optim"
	"kraken-go/internal/table"
)

// psInfo is one registered PS node's dial address.
type psInfo struct {
	NodeID uint64
	Addr   string
}

// nodeRegistry is the scheduler's live-membership view: the set of PS nodes
// currently participating in the ring.
type nodeRegistry struct {
	mu     sync.RWMutex
	nodes  map[uint64]psInfo
	nextID uint64
}

func newNodeRegistry() *nodeRegistry {
	return &nodeRegistry{nodes: make(map[uint64]psInfo)}
}

// register assigns a fresh node id to addr and returns it.
func (r *nodeRegistry) register(addr string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.nodes[id] = psInfo{NodeID: id, Addr: addr}
	return id
}

func (r *nodeRegistry) addr(nodeID uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[nodeID]
	return info.Addr, ok
}

// ids returns every registered PS node id, sorted.
func (r *nodeRegistry) ids() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// tableRecord is the scheduler's bookkeeping for one table: its identity
// plus the node id that currently owns it, independent of what the router
// would compute (the owner only moves once a transfer completes).
type tableRecord struct {
	table.TableMeta
	Owner uint64
}

// modelRecord is the scheduler's bookkeeping for one model: its identity,
// optimizer, and the tables registered under it.
type modelRecord struct {
	ID          uint64
	Name        string
	OptimKind   optim.Kind
	OptimConfig optim.Config
	Tables      map[uint64]*tableRecord
	nextTableID uint64
}

// modelRegistry is name -> model_id plus model_id -> modelRecord. The first
// caller to request a given name wins the allocation; later callers with the
// same name get back the existing id.
type modelRegistry struct {
	mu         sync.RWMutex
	byName     map[string]uint64
	byID       map[uint64]*modelRecord
	nextModel  uint64
	defaultCfg func() (optim.Kind, optim.Config)
}

func newModelRegistry(defaultCfg func() (optim.Kind, optim.Config)) *modelRegistry {
	return &modelRegistry{byName: make(map[string]uint64), byID: make(map[uint64]*modelRecord), defaultCfg: defaultCfg}
}

// applyModelID returns name's existing model_id, allocating one (with the
// scheduler's default optimizer configuration) if this is the first request
// for that name.
func (m *modelRegistry) applyModelID(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[name]; ok {
		return id
	}
	m.nextModel++
	id := m.nextModel
	kind, cfg := m.defaultCfg()
	m.byName[name] = id
	m.byID[id] = &modelRecord{ID: id, Name: name, OptimKind: kind, OptimConfig: cfg, Tables: make(map[uint64]*tableRecord)}
	return id
}

func (m *modelRegistry) model(modelID uint64) (*modelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[modelID]
	if !ok {
		return nil, fmt.Errorf("scheduler: model %d: %w", modelID, kerr.ErrUnknownModel)
	}
	return rec, nil
}

// applyTable returns name's existing table_id within modelID, allocating one
// and recording its owner if this is the first request for that name.
func (m *modelRegistry) applyTable(modelID uint64, name string, owner uint64, meta table.TableMeta) (tableID uint64, fresh bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[modelID]
	if !ok {
		return 0, false, fmt.Errorf("scheduler: model %d: %w", modelID, kerr.ErrUnknownModel)
	}
	for id, tr := range rec.Tables {
		if tr.Name == name {
			return id, false, nil
		}
	}
	rec.nextTableID++
	id := rec.nextTableID
	meta.ID = id
	rec.Tables[id] = &tableRecord{TableMeta: meta, Owner: owner}
	return id, true, nil
}

// allModelIDs returns every registered model id.
func (m *modelRegistry) allModelIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids
}

// tablesOwnedBy returns the ids of every model that has at least one table
// whose recorded Owner is nodeID.
func (m *modelRegistry) tablesOwnedBy(nodeID uint64) (modelIDs []uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[uint64]bool)
	for modelID, rec := range m.byID {
		for _, tr := range rec.Tables {
			if tr.Owner == nodeID {
				seen[modelID] = true
			}
		}
	}
	for id := range seen {
		modelIDs = append(modelIDs, id)
	}
	return modelIDs
}

// ownersOf returns the distinct PS node ids holding any table of modelID.
// A dense table lives on exactly its recorded Owner. A sparse table's rows
// are not confined to one node — every node that has ever been handed the
// model's schema may hold some of its keys — so once modelID has any sparse
// table, ownersOf reports every node in allNodeIDs instead of trying to
// track per-key placement in the registry.
func (m *modelRegistry) ownersOf(modelID uint64, allNodeIDs []uint64) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[modelID]
	if !ok {
		return nil, fmt.Errorf("scheduler: model %d: %w", modelID, kerr.ErrUnknownModel)
	}
	hasSparse := false
	seen := make(map[uint64]bool)
	for _, tr := range rec.Tables {
		if tr.Kind == table.Sparse {
			hasSparse = true
			continue
		}
		seen[tr.Owner] = true
	}
	if hasSparse {
		for _, id := range allNodeIDs {
			seen[id] = true
		}
	}
	owners := make([]uint64, 0, len(seen))
	for id := range seen {
		owners = append(owners, id)
	}
	return owners, nil
}

// setOwner updates a table's recorded owner after a successful transfer.
func (m *modelRegistry) setOwner(modelID, tableID, owner uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byID[modelID]; ok {
		if tr, ok := rec.Tables[tableID]; ok {
			tr.Owner = owner
		}
	}
}

// everyTable returns every (modelID, tableRecord) pair across all models, a
// snapshot taken under the registry's read lock.
func (m *modelRegistry) everyTable() map[uint64][]*tableRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint64][]*tableRecord, len(m.byID))
	for modelID, rec := range m.byID {
		for _, tr := range rec.Tables {
			cp := *tr
			out[modelID] = append(out[modelID], &cp)
		}
	}
	return out
}
