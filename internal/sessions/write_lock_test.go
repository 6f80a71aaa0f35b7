package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLockManager_AcquireRelease(t *testing.T) {
	mgr := NewLockManager(time.Second)
	defer mgr.Close()

	release, err := mgr.Acquire(context.Background(), "s1", "w1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !mgr.IsLocked("s1") {
		t.Error("IsLocked = false after Acquire")
	}
	holder, _, locked := mgr.LockInfo("s1")
	if !locked || holder != "w1" {
		t.Errorf("LockInfo = (%q, %v), want (w1, true)", holder, locked)
	}

	release()
	if mgr.IsLocked("s1") {
		t.Error("IsLocked = true after release")
	}
}

func TestLockManager_AcquireTimesOutWhileHeld(t *testing.T) {
	mgr := NewLockManager(time.Second)
	defer mgr.Close()

	release, err := mgr.Acquire(context.Background(), "s1", "w1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = mgr.Acquire(context.Background(), "s1", "w2", 30*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("second Acquire = %v, want ErrLockTimeout", err)
	}
}

func TestLockManager_AcquireHonorsContext(t *testing.T) {
	mgr := NewLockManager(time.Second)
	defer mgr.Close()

	release, err := mgr.Acquire(context.Background(), "s1", "w1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = mgr.Acquire(ctx, "s1", "w2", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire = %v, want context.Canceled", err)
	}
}

func TestLockManager_WaiterProceedsAfterRelease(t *testing.T) {
	mgr := NewLockManager(time.Second)
	defer mgr.Close()

	release, err := mgr.Acquire(context.Background(), "s1", "w1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		release2, err := mgr.Acquire(context.Background(), "s1", "w2", time.Second)
		if err == nil {
			release2()
		}
		acquired <- err
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case err := <-acquired:
		if err != nil {
			t.Errorf("waiter Acquire = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestLockManager_TryAcquire(t *testing.T) {
	mgr := NewLockManager(time.Second)
	defer mgr.Close()

	release, ok := mgr.TryAcquire("s1", "w1")
	if !ok {
		t.Fatal("TryAcquire = false on free lock")
	}
	if _, ok := mgr.TryAcquire("s1", "w2"); ok {
		t.Error("TryAcquire = true while lock held")
	}
	release()
	if release2, ok := mgr.TryAcquire("s1", "w2"); !ok {
		t.Error("TryAcquire = false after release")
	} else {
		release2()
	}
}

func TestLockManager_IndependentSessions(t *testing.T) {
	mgr := NewLockManager(time.Second)
	defer mgr.Close()

	r1, err := mgr.Acquire(context.Background(), "s1", "w1", time.Second)
	if err != nil {
		t.Fatalf("Acquire(s1): %v", err)
	}
	defer r1()

	r2, err := mgr.Acquire(context.Background(), "s2", "w1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire(s2) blocked by s1: %v", err)
	}
	r2()
}
