package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kraken-go/internal/optim"
	"kraken-go/internal/ps"
	"kraken-go/internal/rpc"
	"kraken-go/internal/scheduler"
	"kraken-go/internal/tensor"
)

// testCluster starts a real scheduler and one real PS node over loopback
// TCP, registers the PS with the scheduler, and returns the scheduler
// itself (so a test can drive its allocation methods directly) along with
// both nodes' dial addresses.
func testCluster(t *testing.T) (sched *scheduler.Scheduler, schedulerAddr string, psAddr string) {
	t.Helper()

	schedPool := rpc.NewConnPool(rpc.NewDialer(time.Second, 0), 4, time.Minute)
	sched = scheduler.New(4, optim.SGD, optim.Config{}, schedPool, logrus.NewEntry(logrus.New()))
	t.Cleanup(sched.Close)

	schedLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen (scheduler): %v", err)
	}
	t.Cleanup(func() { schedLn.Close() })
	go func() {
		for {
			conn, err := schedLn.Accept()
			if err != nil {
				return
			}
			go rpc.Serve(context.Background(), conn, sched.Handle)
		}
	}()

	psSrv := ps.New(0, tensor.NewCPUDevice(0), 0, t.TempDir(), logrus.NewEntry(logrus.New()))
	t.Cleanup(psSrv.Close)
	psLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen (ps): %v", err)
	}
	t.Cleanup(func() { psLn.Close() })
	go func() {
		for {
			conn, err := psLn.Accept()
			if err != nil {
				return
			}
			go rpc.Serve(context.Background(), conn, psSrv.Handle)
		}
	}()

	if _, err := sched.RegisterPS(context.Background(), psLn.Addr().String()); err != nil {
		t.Fatalf("RegisterPS: %v", err)
	}
	return sched, schedLn.Addr().String(), psLn.Addr().String()
}

func testWorker(t *testing.T, schedulerAddr string) *Worker {
	t.Helper()
	pool := rpc.NewConnPool(rpc.NewDialer(time.Second, 0), 4, time.Minute)
	w := New(schedulerAddr, pool, tensor.NewCPUDevice(0), nil)
	t.Cleanup(w.Close)
	return w
}

func TestRefreshLoadsClusterView(t *testing.T) {
	_, schedAddr, psAddr := testCluster(t)
	w := testWorker(t, schedAddr)

	if _, err := w.current(); err == nil {
		t.Fatal("current() should fail before Refresh")
	}

	if err := w.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	view, err := w.current()
	if err != nil {
		t.Fatalf("current() after Refresh: %v", err)
	}
	if len(view.router.NodeIDs()) != 1 {
		t.Fatalf("NodeIDs() = %v, want exactly one registered PS", view.router.NodeIDs())
	}
	addr, ok := view.addr(view.router.NodeIDs()[0])
	if !ok || addr != psAddr {
		t.Fatalf("addr() = (%q, %v), want (%q, true)", addr, ok, psAddr)
	}
}
