package recovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/kuleshov01/new-max-bot/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	name          string
	recoverError  error
	recoverCalled bool
	sawStore      store.Store
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.recoverCalled = true
	m.sawStore = registry.GetStore()
	return m.recoverError
}

func TestNewRecoveryRegistry(t *testing.T) {
	st := store.NewInMemoryStore()

	registry := NewRecoveryRegistry(st)

	if registry == nil {
		t.Fatal("NewRecoveryRegistry returned nil")
	}

	if registry.GetStore() != st {
		t.Error("Registry store does not match provided store")
	}
}

func TestNewRecoveryManager(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())

	if manager == nil {
		t.Fatal("NewRecoveryManager returned nil")
	}

	if manager.GetRegistry() == nil {
		t.Error("RecoveryManager registry is nil")
	}
}

func TestRecoveryManager_RecoverAll_Success(t *testing.T) {
	st := store.NewInMemoryStore()
	manager := NewRecoveryManager(st)

	mock1 := &mockRecoverable{name: "mock1"}
	mock2 := &mockRecoverable{name: "mock2"}

	manager.RegisterRecoverable(mock1)
	manager.RegisterRecoverable(mock2)

	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}

	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("every RecoverState should be called")
	}
	if mock1.sawStore != st {
		t.Error("recoverables should see the manager's store")
	}
}

func TestRecoveryManager_RecoverAll_WithErrors(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())

	mock1 := &mockRecoverable{name: "mock1", recoverError: fmt.Errorf("recovery failed")}
	mock2 := &mockRecoverable{name: "mock2"}

	manager.RegisterRecoverable(mock1)
	manager.RegisterRecoverable(mock2)

	err := manager.RecoverAll(context.Background())

	if err == nil {
		t.Error("Expected error from RecoverAll when components fail")
	}

	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("All recoverables should be called despite errors")
	}
}

func TestRecoveryManager_RecoverAll_Empty(t *testing.T) {
	if err := NewRecoveryManager(store.NewInMemoryStore()).RecoverAll(context.Background()); err != nil {
		t.Errorf("empty recovery should succeed: %v", err)
	}
}
