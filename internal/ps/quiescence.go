package ps

import (
	"fmt"
	"sync"

	"kraken-go/internal/kerr"
)

// modelQuiesce tracks one model's in-flight push count and whether new
// pushes are currently being rejected so a save or load can observe a quiet
// table.
type modelQuiesce struct {
	mu        sync.Mutex
	cond      *sync.Cond
	inFlight  int
	quiescing bool
}

// Quiescence coordinates save/load against concurrent push traffic, per
// model: entering quiescence blocks until every push already admitted has
// finished, and rejects new push admissions until quiescence ends. Pulls are
// never admitted here and are always served, including during save/load
// (spec §4.5: save/load rejects pushes, pulls still served).
type Quiescence struct {
	mu     sync.Mutex
	models map[uint64]*modelQuiesce
}

func NewQuiescence() *Quiescence {
	return &Quiescence{models: make(map[uint64]*modelQuiesce)}
}

func (q *Quiescence) stateFor(modelID uint64) *modelQuiesce {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.models[modelID]
	if !ok {
		mq = &modelQuiesce{}
		mq.cond = sync.NewCond(&mq.mu)
		q.models[modelID] = mq
	}
	return mq
}

// AdmitPush registers one in-flight push against modelID. It returns an
// error if the model is currently quiescing for save/load; the caller must
// call the returned done func exactly once when the push finishes.
func (q *Quiescence) AdmitPush(modelID uint64) (done func(), err error) {
	mq := q.stateFor(modelID)
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.quiescing {
		return nil, fmt.Errorf("ps: model %d is quiescing for save/load: %w", modelID, kerr.ErrClusterBusy)
	}
	mq.inFlight++
	return func() {
		mq.mu.Lock()
		mq.inFlight--
		if mq.inFlight == 0 {
			mq.cond.Broadcast()
		}
		mq.mu.Unlock()
	}, nil
}

// Enter begins quiescence for modelID: new Admit calls start failing, and
// Enter blocks until every already-admitted request has called its done
// func. The returned func ends quiescence, resuming normal admission.
func (q *Quiescence) Enter(modelID uint64) func() {
	mq := q.stateFor(modelID)
	mq.mu.Lock()
	mq.quiescing = true
	for mq.inFlight > 0 {
		mq.cond.Wait()
	}
	mq.mu.Unlock()

	return func() {
		mq.mu.Lock()
		mq.quiescing = false
		mq.mu.Unlock()
	}
}
