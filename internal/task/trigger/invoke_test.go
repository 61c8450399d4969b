package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"tasksched/internal/task/shard"
)

type lockCell bool

func (l lockCell) HasLock() bool { return bool(l) }

func TestInvocationSingletonGating(t *testing.T) {
	t.Parallel()
	for _, kind := range []Kind{KindCron, KindFixedRate, KindFixedDelay, KindDynamicDelay} {
		calls := 0
		inv := Invocation{Kind: kind, Singleton: true, Lock: lockCell(false), Work: func(context.Context, string) (time.Duration, error) {
			calls++
			return 0, nil
		}}
		out := inv.Run(context.Background(), shard.Default)
		if out.Ran || calls != 0 {
			t.Fatalf("%v: Ran = %v calls = %d, want skipped", kind, out.Ran, calls)
		}
		if out.Delay != NoLockDelay {
			t.Fatalf("%v: Delay = %v, want %v", kind, out.Delay, NoLockDelay)
		}
	}
}

func TestInvocationNilLockIsNoLock(t *testing.T) {
	t.Parallel()
	inv := Invocation{Kind: KindFixedDelay, Singleton: true, Work: func(context.Context, string) (time.Duration, error) {
		t.Fatal("work called without lock")
		return 0, nil
	}}
	if out := inv.Run(context.Background(), shard.Default); out.Ran {
		t.Fatal("Ran = true, want false")
	}
}

func TestInvocationShardArgument(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shard string
		want  string
	}{
		{shard: shard.Default, want: ""},
		{shard: shard.Reconciler, want: ""},
		{shard: "eu-1", want: "eu-1"},
	}
	for _, tt := range tests {
		var got string
		inv := Invocation{Kind: KindFixedRate, Singleton: true, Lock: lockCell(true), Work: func(_ context.Context, s string) (time.Duration, error) {
			got = s
			return 0, nil
		}}
		if out := inv.Run(context.Background(), tt.shard); !out.Ran {
			t.Fatalf("shard %q: Ran = false", tt.shard)
		}
		if got != tt.want {
			t.Fatalf("shard %q: arg = %q, want %q", tt.shard, got, tt.want)
		}
	}
}

func TestInvocationDynamicDelay(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name      string
		work      Func
		wantDelay time.Duration
		wantErr   bool
	}{
		{name: "reported", work: func(context.Context, string) (time.Duration, error) { return 3 * time.Second, nil }, wantDelay: 3 * time.Second},
		{name: "negative", work: func(context.Context, string) (time.Duration, error) { return -time.Second, nil }, wantDelay: 0},
		{name: "error", work: func(context.Context, string) (time.Duration, error) { return 5 * time.Second, boom }, wantDelay: ErrorDelay, wantErr: true},
		{name: "panic", work: func(context.Context, string) (time.Duration, error) { panic("bad") }, wantDelay: ErrorDelay, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := Invocation{Kind: KindDynamicDelay, Work: tt.work}.Run(context.Background(), shard.Default)
			if out.Delay != tt.wantDelay {
				t.Fatalf("Delay = %v, want %v", out.Delay, tt.wantDelay)
			}
			if (out.Err != nil) != tt.wantErr {
				t.Fatalf("Err = %v, wantErr %v", out.Err, tt.wantErr)
			}
		})
	}
}
