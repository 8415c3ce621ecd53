package ps

import (
	"errors"
	"testing"
	"time"

	"kraken-go/internal/kerr"
)

func TestQuiescenceAdmitPushRejectedWhileQuiescing(t *testing.T) {
	q := NewQuiescence()

	done, err := q.AdmitPush(1)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	entered := make(chan struct{})
	left := make(chan struct{})
	go func() {
		end := q.Enter(1)
		close(entered)
		<-left
		end()
	}()

	time.Sleep(20 * time.Millisecond)

	if _, err := q.AdmitPush(1); !errors.Is(err, kerr.ErrClusterBusy) {
		t.Fatalf("Admit during quiescence: want ErrClusterBusy, got %v", err)
	}

	done()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Enter never unblocked after in-flight request finished")
	}
	close(left)

	if _, err := q.AdmitPush(1); err != nil {
		t.Fatalf("Admit after quiescence ended: %v", err)
	}
}

func TestQuiescenceIndependentModels(t *testing.T) {
	q := NewQuiescence()
	end := q.Enter(1)
	defer end()

	if _, err := q.AdmitPush(2); err != nil {
		t.Fatalf("Admit on unrelated model should not be blocked: %v", err)
	}
}
