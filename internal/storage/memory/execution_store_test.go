package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
)

func TestExecutionStore_ScaleOutIdempotency(t *testing.T) {
	store := NewExecutionStore()
	ctx := context.Background()

	e := &domain.ExecutionRecord{
		TradeID:   "t1",
		ExecType:  domain.ExecScaleOut,
		RMultiple: 1.0,
		Qty:       1,
		Price:     105,
		Timestamp: time.Now().UTC(),
	}

	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := store.Insert(ctx, e); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey on replay, got %v", err)
	}

	// A different milestone for the same trade is a new row.
	e2 := *e
	e2.RMultiple = 2.0
	if err := store.Insert(ctx, &e2); err != nil {
		t.Errorf("insert at new milestone failed: %v", err)
	}

	exists, err := store.ExistsScaleOut(ctx, "t1", 1.0)
	if err != nil || !exists {
		t.Errorf("ExistsScaleOut(1.0) = %v, %v; want true", exists, err)
	}
	exists, _ = store.ExistsScaleOut(ctx, "t1", 1.5)
	if exists {
		t.Error("ExistsScaleOut(1.5) = true; want false")
	}
}

func TestExecutionStore_SingleEntryAndExit(t *testing.T) {
	store := NewExecutionStore()
	ctx := context.Background()

	entry := &domain.ExecutionRecord{TradeID: "t1", ExecType: domain.ExecEntry, Qty: 2, Price: 100, Timestamp: time.Now().UTC()}
	if err := store.Insert(ctx, entry); err != nil {
		t.Fatalf("entry insert failed: %v", err)
	}
	if err := store.Insert(ctx, entry); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey on second entry, got %v", err)
	}

	exit := &domain.ExecutionRecord{TradeID: "t1", ExecType: domain.ExecExit, Qty: 2, Price: 108, Timestamp: time.Now().UTC()}
	if err := store.Insert(ctx, exit); err != nil {
		t.Fatalf("exit insert failed: %v", err)
	}
	if err := store.Insert(ctx, exit); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey on second exit, got %v", err)
	}
}

func TestExecutionStore_TrailingUpdatesMayRepeat(t *testing.T) {
	store := NewExecutionStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := &domain.ExecutionRecord{
			TradeID:   "t1",
			ExecType:  domain.ExecTrailingUpdate,
			Qty:       0,
			Price:     100 + float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("trailing insert %d failed: %v", i, err)
		}
	}

	execs, err := store.GetByTradeID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetByTradeID failed: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("expected 3 trailing rows, got %d", len(execs))
	}
	for i := 1; i < len(execs); i++ {
		if execs[i].Timestamp.Before(execs[i-1].Timestamp) {
			t.Error("executions not ordered by timestamp")
		}
	}
}

func TestExecutionStore_InvalidInput(t *testing.T) {
	store := NewExecutionStore()
	ctx := context.Background()

	if err := store.Insert(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for nil, got %v", err)
	}
	if err := store.Insert(ctx, &domain.ExecutionRecord{ExecType: domain.ExecEntry}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty trade id, got %v", err)
	}
}
