// Package ps implements one parameter-server shard: the table store for
// every model it holds, request dispatch over the rpc transport, and the
// save/load quiescence protocol.
package ps

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"kraken-go/internal/checkpoint"
	"kraken-go/internal/router"
	"kraken-go/internal/rpc"
	"kraken-go/internal/table"
	"kraken-go/internal/tensor"
)

// Server is one PS node's local state: its table store, its view of the
// current router version, the quiescence machinery that coordinates
// save/load with ongoing push traffic, and an async task queue.
type Server struct {
	NodeID uint64

	store     *table.Store
	device    tensor.Device
	quiescing *Quiescence
	tasks     *rpc.AsyncTaskQueue

	routerVersion atomic.Uint64
	router        atomic.Pointer[router.Router]

	checkpointDir string
	log           *logrus.Entry
}

// New constructs a Server backing its table store with device and stripes
// sparse-table stripe width, persisting checkpoints under checkpointDir.
func New(nodeID uint64, device tensor.Device, stripes int, checkpointDir string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		NodeID:        nodeID,
		store:         table.NewStore(device, stripes),
		device:        device,
		quiescing:     NewQuiescence(),
		tasks:         rpc.NewAsyncTaskQueue(4),
		checkpointDir: checkpointDir,
		log:           log.WithField("component", "ps"),
	}
}

// Store exposes the underlying table store, e.g. for shard-transfer code
// that needs direct snapshot/restore access.
func (s *Server) Store() *table.Store { return s.store }

// Close stops the server's background task queue, waiting for any queued
// task to finish. Saves, loads and transfers run synchronously in their
// handlers and are not queued there.
func (s *Server) Close() { s.tasks.Stop() }

// ApplyRouter installs a new router snapshot pushed by the scheduler; a
// version older than the one already installed is ignored.
func (s *Server) ApplyRouter(r *router.Router) {
	for {
		cur := s.routerVersion.Load()
		if r.Version() <= cur {
			return
		}
		if s.routerVersion.CompareAndSwap(cur, r.Version()) {
			s.router.Store(r)
			s.log.WithField("version", r.Version()).Info("router updated")
			return
		}
	}
}

// checkRouterVersion rejects requests stamped with a version older than the
// PS's current one: the worker is using a stale partition and must refresh.
func (s *Server) checkRouterVersion(requestVersion uint64) error {
	cur := s.routerVersion.Load()
	if requestVersion != 0 && requestVersion < cur {
		staleRouterTotal.Inc()
		return errStaleRouterVersion(requestVersion, cur)
	}
	return nil
}

// SaveModel quiesces modelID's tables, writes a checkpoint, then resumes
// normal traffic.
func (s *Server) SaveModel(modelID uint64) error {
	end := s.quiescing.Enter(modelID)
	defer end()
	return checkpoint.Save(s.checkpointDir, s.store, s.device, modelID)
}

// LoadModel quiesces modelID, restores it from the last checkpoint, then
// resumes normal traffic.
func (s *Server) LoadModel(modelID uint64) error {
	end := s.quiescing.Enter(modelID)
	defer end()
	return checkpoint.Load(s.checkpointDir, s.store, s.device, modelID)
}
