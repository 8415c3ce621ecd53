package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kraken-go/internal/optim"
	"kraken-go/internal/router"
	"kraken-go/internal/rpc"
	"kraken-go/internal/table"
	"kraken-go/internal/tensor"
)

// Status is the scheduler's view of cluster-wide activity, reported through
// OpIsAllPsWorking. During a save or load each affected PS rejects pushes
// through its own quiescence; nothing rejects pushes during a transfer.
type Status int32

const (
	StatusWork Status = iota
	StatusSave
	StatusLoad
	StatusTransfer
)

func (s Status) String() string {
	switch s {
	case StatusWork:
		return "work"
	case StatusSave:
		return "save"
	case StatusLoad:
		return "load"
	case StatusTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("scheduler.Status(%d)", int32(s))
	}
}

// Scheduler is the control-plane node: it owns the live PS registry, the
// authoritative router, and the model/table name registry, and drives
// join/save/load/transfer as described by the worker and PS RPC handlers.
type Scheduler struct {
	replicas int

	nodes  *nodeRegistry
	models *modelRegistry

	routerVersion atomic.Uint64
	router        atomic.Pointer[router.Router]

	status atomic.Int32

	pool     *rpc.ConnPool
	scratch  tensor.Device // scratch allocation context for decoding transfer payloads in flight
	log      *logrus.Entry

	mu sync.Mutex // serializes RegisterPS/transfer/save/load against each other
}

// device returns the scratch allocation context used to decode wire tensors
// that pass through the scheduler during shard transfer; the scheduler
// holds no table state of its own.
func (s *Scheduler) device() tensor.Device { return s.scratch }

// New constructs a Scheduler. replicas configures the router's virtual
// replica count (0 selects router.DefaultReplicas); defaultKind and
// defaultCfg supply the optimizer a freshly-registered model gets.
func New(replicas int, defaultKind optim.Kind, defaultCfg optim.Config, pool *rpc.ConnPool, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		replicas: replicas,
		nodes:    newNodeRegistry(),
		models:   newModelRegistry(func() (optim.Kind, optim.Config) { return defaultKind, defaultCfg }),
		pool:     pool,
		scratch:  tensor.NewCPUDevice(0),
		log:      log.WithField("component", "scheduler"),
	}
	s.router.Store(router.NewRouter(0, nil, replicas))
	return s
}

// Router returns the currently published router snapshot.
func (s *Scheduler) Router() *router.Router { return s.router.Load() }

// Status reports the current cluster-wide activity.
func (s *Scheduler) Status() Status { return Status(s.status.Load()) }

// RegisterPS admits a new PS node at addr: assign an id, compute the new
// router, transfer tables whose ownership moves, then publish the new router
// to every node.
func (s *Scheduler) RegisterPS(ctx context.Context, addr string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodeID := s.nodes.register(addr)
	s.log.WithFields(logrus.Fields{"node_id": nodeID, "addr": addr}).Info("ps joined")

	if err := s.primeNewNode(ctx, nodeID); err != nil {
		return nodeID, fmt.Errorf("scheduler: prime node %d: %w", nodeID, err)
	}

	oldRouter := s.router.Load()
	newRouter := router.NewRouter(oldRouter.Version()+1, s.nodes.ids(), s.replicas)

	if err := s.transferAndPublish(ctx, oldRouter, newRouter); err != nil {
		return nodeID, err
	}
	return nodeID, nil
}

// primeNewNode hands a freshly joined node every existing model's metadata
// and every existing sparse table's schema, so it is ready to accept rows
// that migrate to it — or fresh pushes the router sends its way — even
// before transferAndPublish moves any data there. Dense tables need no such
// priming: they live on exactly one node and only reach a new node via
// transferDense.
func (s *Scheduler) primeNewNode(ctx context.Context, nodeID uint64) error {
	for modelID, tables := range s.models.everyTable() {
		rec, err := s.models.model(modelID)
		if err != nil {
			return err
		}
		if err := s.ensureModelOn(ctx, rec, nodeID); err != nil {
			return err
		}
		for _, tr := range tables {
			if tr.Kind != table.Sparse {
				continue
			}
			if err := s.ensureSparseTableOn(ctx, modelID, tr, nodeID); err != nil {
				return err
			}
		}
	}
	return nil
}

// transferAndPublish moves every table whose owner differs between
// oldRouter and newRouter, then installs newRouter cluster-wide. The caller
// holds s.mu.
func (s *Scheduler) transferAndPublish(ctx context.Context, oldRouter, newRouter *router.Router) error {
	s.status.Store(int32(StatusTransfer))
	transferInProgress.Set(1)
	defer func() {
		s.status.Store(int32(StatusWork))
		transferInProgress.Set(0)
	}()

	for modelID, tables := range s.models.everyTable() {
		for _, tr := range tables {
			switch tr.Kind {
			case table.Dense:
				newOwner := newRouter.Route(modelID, tr.ID)
				if newOwner == tr.Owner {
					continue
				}
				if err := s.transferTable(ctx, modelID, tr, newOwner); err != nil {
					return fmt.Errorf("scheduler: transfer model %d table %d to node %d: %w", modelID, tr.ID, newOwner, err)
				}
				s.models.setOwner(modelID, tr.ID, newOwner)
			case table.Sparse:
				if err := s.migrateSparseTable(ctx, modelID, tr, newRouter); err != nil {
					return fmt.Errorf("scheduler: migrate model %d sparse table %d: %w", modelID, tr.ID, err)
				}
			}
		}
	}

	s.router.Store(newRouter)
	s.routerVersion.Store(newRouter.Version())
	return s.broadcastRouter(ctx, newRouter)
}

func (s *Scheduler) broadcastRouter(ctx context.Context, r *router.Router) error {
	req := rpc.UpdateRouterRequest{NodeIDs: r.NodeIDs(), Replicas: int32(s.replicas)}
	body := req.Marshal()

	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range s.nodes.ids() {
		nodeID := nodeID
		addr, ok := s.nodes.addr(nodeID)
		if !ok {
			continue
		}
		g.Go(func() error {
			_, err := rpc.CallAt(gctx, s.pool, addr, rpc.OpUpdateRouter, r.Version(), body)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("scheduler: broadcast router v%d: %w", r.Version(), err)
	}
	s.log.WithField("version", r.Version()).Info("router published")
	return nil
}

// ApplyModelID resolves name to its model_id, allocating one on first
// request.
func (s *Scheduler) ApplyModelID(name string) uint64 {
	return s.models.applyModelID(name)
}

// ApplyDenseTable resolves name to a table_id within modelID, allocating
// one (and assigning it a PS shard via the current router) on first
// request, then ensuring the model and table are registered on the owning
// PS.
func (s *Scheduler) ApplyDenseTable(ctx context.Context, modelID uint64, name string, shape []int64, etype tensor.ElementType) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.models.model(modelID)
	if err != nil {
		return 0, err
	}
	r := s.router.Load()
	provisional := rec.nextTableID + 1
	owner := r.Route(modelID, provisional)

	meta := table.TableMeta{Name: name, Kind: table.Dense, EType: etype, Shape: tensor.NewShape(shape...)}
	tableID, fresh, err := s.models.applyTable(modelID, name, owner, meta)
	if err != nil {
		return 0, err
	}
	if !fresh {
		return tableID, nil
	}

	if err := s.ensureModelOn(ctx, rec, owner); err != nil {
		return 0, err
	}
	addr, _ := s.nodes.addr(owner)
	req := rpc.ApplyDenseTableRequest{ModelID: modelID, TableID: tableID, Name: name, Shape: shape, EType: etype}
	if _, err := rpc.CallAt(ctx, s.pool, addr, rpc.OpApplyDenseTable, r.Version(), req.Marshal()); err != nil {
		return 0, fmt.Errorf("scheduler: apply dense table %q on node %d: %w", name, owner, err)
	}
	return tableID, nil
}

// ApplySparseTable is the sparse analogue of ApplyDenseTable.
func (s *Scheduler) ApplySparseTable(ctx context.Context, modelID uint64, name string, dim int64, etype tensor.ElementType, initKind tensor.InitializerKind, initCfg map[string]float64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.models.model(modelID)
	if err != nil {
		return 0, err
	}
	r := s.router.Load()
	provisional := rec.nextTableID + 1
	// owner is nominal bookkeeping only: a sparse table's rows are not
	// confined to one node, so every registered node gets its schema below.
	owner := r.Route(modelID, provisional)

	meta := table.TableMeta{Name: name, Kind: table.Sparse, EType: etype, Dim: dim, InitKind: initKind, InitConfig: initCfg}
	tableID, fresh, err := s.models.applyTable(modelID, name, owner, meta)
	if err != nil {
		return 0, err
	}
	if !fresh {
		return tableID, nil
	}
	meta.ID = tableID
	tr := &tableRecord{TableMeta: meta, Owner: owner}

	for _, nodeID := range s.nodes.ids() {
		if err := s.ensureModelOn(ctx, rec, nodeID); err != nil {
			return 0, err
		}
		if err := s.ensureSparseTableOn(ctx, modelID, tr, nodeID); err != nil {
			return 0, err
		}
	}
	return tableID, nil
}

func (s *Scheduler) ensureModelOn(ctx context.Context, rec *modelRecord, nodeID uint64) error {
	addr, ok := s.nodes.addr(nodeID)
	if !ok {
		return fmt.Errorf("scheduler: node %d not registered", nodeID)
	}
	req := rpc.EnsureModelRequest{ModelID: rec.ID, Name: rec.Name, OptimKind: rec.OptimKind, OptimConfig: rec.OptimConfig}
	_, err := rpc.CallAt(ctx, s.pool, addr, rpc.OpEnsureModel, s.router.Load().Version(), req.Marshal())
	return err
}

// SaveModel quiesces modelID's shards and has every owning PS persist its
// portion.
func (s *Scheduler) SaveModel(ctx context.Context, modelID uint64) error {
	return s.saveOrLoad(ctx, modelID, StatusSave, rpc.OpNotifySaveModel)
}

// LoadModel is the symmetric restore path.
func (s *Scheduler) LoadModel(ctx context.Context, modelID uint64) error {
	return s.saveOrLoad(ctx, modelID, StatusLoad, rpc.OpNotifyLoadModel)
}

func (s *Scheduler) saveOrLoad(ctx context.Context, modelID uint64, status Status, opcode rpc.Opcode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners, err := s.models.ownersOf(modelID, s.nodes.ids())
	if err != nil {
		return err
	}
	s.status.Store(int32(status))
	defer s.status.Store(int32(StatusWork))

	req := rpc.SaveLoadRequest{ModelID: modelID}
	body := req.Marshal()
	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range owners {
		addr, ok := s.nodes.addr(nodeID)
		if !ok {
			continue
		}
		g.Go(func() error {
			_, err := rpc.CallAt(gctx, s.pool, addr, opcode, s.router.Load().Version(), body)
			return err
		})
	}
	return g.Wait()
}

// Close stops the scheduler's outbound connection pool.
func (s *Scheduler) Close() { s.pool.Close() }
