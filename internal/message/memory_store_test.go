package message

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := &Message{ID: "m1", Asset: "0x0", Amount: "0", Sender: "0x1", Payload: "0x", Status: StatusPending, MaxRetries: 2}
	if err := store.Create(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, msg); !errors.Is(err, ErrMessageConflict) {
		t.Fatalf("重复创建应冲突, got %v", err)
	}

	claimed, err := store.Claim(ctx, "m1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusExecuting || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim state: %+v", claimed)
	}

	// 执行中的消息不允许并发领取。
	if _, err := store.Claim(ctx, "m1"); !errors.Is(err, ErrMessageConflict) {
		t.Fatalf("执行中消息应冲突, got %v", err)
	}

	if err := store.MarkFailed(ctx, "m1", CodeMessageDispatch, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	claimed, err = store.Claim(ctx, "m1")
	if err != nil {
		t.Fatalf("失败后应可重新领取: %v", err)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("unexpected attempts: %d", claimed.Attempts)
	}

	if err := store.MarkFailed(ctx, "m1", CodeMessageDispatch, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "m1"); !errors.Is(err, ErrMessageExhausted) {
		t.Fatalf("重试耗尽应拒绝领取, got %v", err)
	}
}

func TestMemoryStoreMarkDelivered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg := &Message{ID: "m2", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "m2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	receipt := Receipt{Guarded: true, CallCount: 2, Fallback: "0xabc", DrainedAmount: "10"}
	if err := store.MarkDelivered(ctx, "m2", receipt); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	got, err := store.Get(ctx, "m2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDelivered || got.Receipt == nil || got.Receipt.CallCount != 2 {
		t.Fatalf("unexpected delivered state: %+v", got)
	}

	// 已投递的消息不再接受领取。
	if _, err := store.Claim(ctx, "m2"); !errors.Is(err, ErrMessageDelivered) {
		t.Fatalf("已投递消息应拒绝领取, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("缺失消息应报不存在, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	messages := []*Message{
		{ID: "m1", Status: StatusPending, MaxRetries: 3},
		{ID: "m2", Status: StatusPending, MaxRetries: 3},
		{ID: "m3", Status: StatusPending, MaxRetries: 3},
	}
	for _, msg := range messages {
		if err := store.Create(ctx, msg); err != nil {
			t.Fatalf("create %s: %v", msg.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "m2", CodeMessageDispatch, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "m3"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkDelivered(ctx, "m3", Receipt{CallCount: 1}); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	store.mu.Lock()
	store.messages["m1"].UpdatedAt = base.Unix()
	store.messages["m2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.messages["m3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "m3" {
		t.Fatalf("unexpected list order: %+v", all)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "m2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withReceipt, err := store.List(ctx, buildListOptions([]ListOption{WithHasReceipt(true)}))
	if err != nil {
		t.Fatalf("list with receipt: %v", err)
	}
	if len(withReceipt) != 1 || withReceipt[0].ID != "m3" {
		t.Fatalf("unexpected receipt list: %+v", withReceipt)
	}

	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedRange(base.Add(15*time.Second).Unix(), 0)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent messages, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Message{ID: id, Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.MarkFailed(ctx, "b", CodeMessageDispatch, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "c"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkDelivered(ctx, "c", Receipt{CallCount: 1}); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Delivered != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	delivered, err := store.Stats(ctx, buildListOptions([]ListOption{WithHasReceipt(true)}))
	if err != nil {
		t.Fatalf("stats delivered: %v", err)
	}
	if delivered.Total != 1 || delivered.Delivered != 1 {
		t.Fatalf("unexpected delivered stats: %+v", delivered)
	}
}
