package rpc

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestCallServeRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), serverConn, func(ctx context.Context, env Envelope) ([]byte, error) {
			if env.Opcode != OpApplyModelId {
				t.Errorf("unexpected opcode %v", env.Opcode)
			}
			return []byte("ack"), nil
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := Call(ctx, clientConn, Envelope{Opcode: OpApplyModelId, Body: []byte("req")})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(reply.Body) != "ack" {
		t.Fatalf("got body %q want %q", reply.Body, "ack")
	}

	clientConn.Close()
	serverConn.Close()
	<-done
}

func TestServePropagatesHandlerError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go Serve(context.Background(), serverConn, func(ctx context.Context, env Envelope) ([]byte, error) {
		return nil, errClusterBusyForTest{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := Call(ctx, clientConn, Envelope{Opcode: OpIsAllPsWorking})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.ErrMsg == "" {
		t.Fatalf("expected a non-empty error message in reply")
	}
}

type errClusterBusyForTest struct{}

func (errClusterBusyForTest) Error() string { return "cluster busy" }
