package scheduler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kraken-go/internal/optim"
	"kraken-go/internal/ps"
	"kraken-go/internal/rpc"
	"kraken-go/internal/tensor"
)

// testPS starts a real PS node listening on a loopback port and returns its
// address, so the scheduler under test drives it over an actual socket
// rather than a stub.
func testPS(t *testing.T, nodeID uint64) string {
	t.Helper()
	srv := ps.New(nodeID, tensor.NewCPUDevice(0), 0, t.TempDir(), logrus.NewEntry(logrus.New()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go rpc.Serve(context.Background(), conn, srv.Handle)
		}
	}()
	t.Cleanup(srv.Close)
	return ln.Addr().String()
}

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	pool := rpc.NewConnPool(rpc.NewDialer(time.Second, 0), 4, time.Minute)
	s := New(4, optim.SGD, optim.Config{}, pool, logrus.NewEntry(logrus.New()))
	t.Cleanup(s.Close)
	return s
}

func TestRegisterPSAssignsIDAndPublishesRouter(t *testing.T) {
	s := testScheduler(t)
	addr := testPS(t, 0)

	ctx := context.Background()
	nodeID, err := s.RegisterPS(ctx, addr)
	if err != nil {
		t.Fatalf("RegisterPS: %v", err)
	}
	if nodeID == 0 {
		t.Fatal("RegisterPS returned a zero node id")
	}
	if got := s.Router().Version(); got != 1 {
		t.Fatalf("router version = %d, want 1", got)
	}
	if s.Status() != StatusWork {
		t.Fatalf("status = %v, want StatusWork after registration settles", s.Status())
	}
}

func TestApplyModelIDIsIdempotentThroughScheduler(t *testing.T) {
	s := testScheduler(t)
	a := s.ApplyModelID("mnist")
	b := s.ApplyModelID("mnist")
	if a != b {
		t.Fatalf("ApplyModelID not idempotent: %d != %d", a, b)
	}
}

func TestApplyDenseTableProvisionsOnOwningNode(t *testing.T) {
	s := testScheduler(t)
	addr := testPS(t, 0)
	ctx := context.Background()
	if _, err := s.RegisterPS(ctx, addr); err != nil {
		t.Fatalf("RegisterPS: %v", err)
	}

	modelID := s.ApplyModelID("mnist")
	tableID, err := s.ApplyDenseTable(ctx, modelID, "w", []int64{4}, tensor.F32)
	if err != nil {
		t.Fatalf("ApplyDenseTable: %v", err)
	}
	if tableID == 0 {
		t.Fatal("ApplyDenseTable returned a zero table id")
	}

	again, err := s.ApplyDenseTable(ctx, modelID, "w", []int64{4}, tensor.F32)
	if err != nil {
		t.Fatalf("ApplyDenseTable (idempotent call): %v", err)
	}
	if again != tableID {
		t.Fatalf("ApplyDenseTable not idempotent: %d != %d", again, tableID)
	}
}

func TestSaveLoadRoundTripsThroughScheduler(t *testing.T) {
	s := testScheduler(t)
	addr := testPS(t, 0)
	ctx := context.Background()
	if _, err := s.RegisterPS(ctx, addr); err != nil {
		t.Fatalf("RegisterPS: %v", err)
	}
	modelID := s.ApplyModelID("mnist")
	if _, err := s.ApplyDenseTable(ctx, modelID, "w", []int64{4}, tensor.F32); err != nil {
		t.Fatalf("ApplyDenseTable: %v", err)
	}

	if err := s.SaveModel(ctx, modelID); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}
	if s.Status() != StatusWork {
		t.Fatalf("status = %v after SaveModel completes, want StatusWork", s.Status())
	}
	if err := s.LoadModel(ctx, modelID); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
}

func TestSaveModelUnknownModelFails(t *testing.T) {
	s := testScheduler(t)
	if err := s.SaveModel(context.Background(), 999); err == nil {
		t.Fatal("SaveModel on an unregistered model should fail")
	}
}
