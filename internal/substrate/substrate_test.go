package substrate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxPreservesOrder(t *testing.T) {
	m := NewMailbox[int]()
	for i := 0; i < 1000; i++ {
		require.True(t, m.Push(i))
	}
	m.CloseWhenDrained()

	var got []int
	for v := range m.Out() {
		got = append(got, v)
	}
	require.Len(t, got, 1000)
	for i, v := range got {
		require.Equal(t, i, v)
	}
	assert.False(t, m.Push(1))
}

func TestMailboxCloseDiscardsPending(t *testing.T) {
	m := NewMailbox[string]()
	m.Push("a")
	m.Push("b")
	m.Close()
	m.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-m.Out():
			if !ok {
				assert.False(t, m.Push("c"))
				return
			}
		case <-deadline:
			t.Fatal("mailbox did not close")
		}
	}
}

func TestMailboxPushNeverBlocks(t *testing.T) {
	m := NewMailbox[int]()
	defer m.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			m.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a reader")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{&SpawnError{Kind: KindSyntax, Err: errors.New("x")}, KindSyntax},
		{fmt.Errorf("wrapped: %w", &SpawnError{Kind: KindSecurity, Err: errors.New("x")}), KindSecurity},
		{errors.New("program echo not found"), KindNotFound},
		{errors.New("403 Forbidden"), KindSecurity},
		{errors.New("dial tcp: connection refused"), KindUnavailable},
		{context.DeadlineExceeded, KindUnavailable},
		{errors.New("something odd"), KindUnknown},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestDescribe(t *testing.T) {
	err := &SpawnError{Kind: KindNotFound, Err: errors.New("no program \"x\"")}
	assert.Contains(t, Describe(err), "not found")
	assert.Contains(t, Describe(errors.New("odd")), "failed to create worker")
	assert.ErrorIs(t, err, err.Err)
}
