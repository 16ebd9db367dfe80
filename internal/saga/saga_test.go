package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTx() payments.Transaction {
	return payments.Transaction{ID: "tx-1", Amount: 10000, Currency: "USD", CardBIN: "411111"}
}

func authorize(t *testing.T, s *Saga) {
	t.Helper()
	s.Begin([]string{"psp-a"})
	require.NoError(t, s.Use(0))
	require.NoError(t, s.Transition(Authorizing, Data{PSP: "psp-a", Attempt: 1}))
	require.NoError(t, s.Transition(Authorized, Data{PSP: "psp-a", Attempt: 1, Outcome: OutcomeSuccess, Reference: "ref-1"}))
}

func TestTransitionTableIsExhaustive(t *testing.T) {
	all := []State{Created, Authorizing, Authorized, Capturing, Captured, Settled, Failed, Compensating, Compensated}
	require.Len(t, Transitions, len(all))
	for _, from := range all {
		_, ok := Transitions[from]
		assert.True(t, ok, "missing %s", from)
		for _, to := range Transitions[from] {
			assert.True(t, to.Valid(), "%s -> %s", from, to)
		}
	}

	assert.True(t, Settled.Terminal())
	assert.True(t, Compensated.Terminal())
	assert.False(t, Failed.Terminal())

	for _, from := range []State{Created, Authorizing, Authorized, Capturing, Captured} {
		assert.True(t, CanTransition(from, Failed), "%s -> FAILED", from)
	}
	assert.False(t, CanTransition(Settled, Failed))
	assert.False(t, CanTransition(Created, Compensating))
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s := New(newTx())
	authorize(t, s)
	before := s.History()

	err := s.Transition(Settled, Data{})
	require.ErrorIs(t, err, payments.ErrIllegalTransition)
	var pe *payments.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, string(Authorized), pe.State)

	assert.Equal(t, Authorized, s.State())
	assert.Equal(t, before, s.History())

	require.NoError(t, s.Transition(Capturing, Data{}))
	assert.Equal(t, Capturing, s.State())
}

func TestHistoryIsAppendOnly(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(newTx(), WithClock(func() time.Time { return fixed }))
	authorize(t, s)

	h := s.History()
	require.Len(t, h, 3)
	assert.Equal(t, Created, h[0].State)
	assert.Equal(t, Authorizing, h[1].State)
	assert.Equal(t, Authorized, h[2].State)
	assert.Equal(t, fixed, h[2].At)
	assert.Equal(t, "ref-1", h[2].Data.Reference)

	h[0].State = Settled
	assert.Equal(t, Created, s.History()[0].State)
	assert.Equal(t, s.State(), s.History()[len(s.History())-1].State)
}

func TestFailBeforeAuthorizationIsTerminal(t *testing.T) {
	called := false
	s := New(newTx(), WithCompensator(func(context.Context, *Snapshot) (Data, error) {
		called = true
		return Data{}, nil
	}))
	require.NoError(t, s.Transition(Authorizing, Data{PSP: "psp-a"}))

	require.NoError(t, s.Fail(context.Background(), "DECLINED", Data{PSP: "psp-a"}))
	assert.Equal(t, Failed, s.State())
	assert.True(t, s.Terminal())
	assert.False(t, called)

	require.NoError(t, s.Compensate(context.Background()))
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, "DECLINED", s.History()[2].Data.Reason)
}

func TestFailAfterAuthorizationCompensates(t *testing.T) {
	var got *Snapshot
	s := New(newTx(), WithCompensator(func(_ context.Context, snap *Snapshot) (Data, error) {
		got = snap
		return Data{Action: "VOID", Amount: snap.Authorized}, nil
	}))
	authorize(t, s)
	require.NoError(t, s.Transition(Capturing, Data{}))

	require.NoError(t, s.Fail(context.Background(), "CAPTURE_FAILED", Data{}))

	require.NotNil(t, got)
	assert.Equal(t, Compensating, got.State)
	assert.Equal(t, "psp-a", got.PSP())
	assert.Equal(t, Compensated, s.State())
	assert.True(t, s.Terminal())

	h := s.History()
	states := make([]State, 0, len(h))
	for _, e := range h {
		states = append(states, e.State)
	}
	assert.Equal(t, []State{Created, Authorizing, Authorized, Capturing, Failed, Compensating, Compensated}, states)
	assert.Equal(t, "VOID", h[len(h)-1].Data.Action)
	assert.Equal(t, int64(10000), h[len(h)-1].Data.Amount)
}

func TestCompensateIsIdempotent(t *testing.T) {
	calls := 0
	s := New(newTx(), WithCompensator(func(context.Context, *Snapshot) (Data, error) {
		calls++
		return Data{}, nil
	}))
	authorize(t, s)
	require.NoError(t, s.Fail(context.Background(), "MANUAL", Data{}))
	require.Equal(t, Compensated, s.State())
	n := len(s.History())

	require.NoError(t, s.Compensate(context.Background()))
	assert.Len(t, s.History(), n)
	assert.Equal(t, 1, calls)
}

func TestCompensateResumesAfterError(t *testing.T) {
	fail := true
	s := New(newTx(), WithCompensator(func(context.Context, *Snapshot) (Data, error) {
		if fail {
			return Data{}, errors.New("psp unreachable")
		}
		return Data{Action: "VOID"}, nil
	}))
	authorize(t, s)

	err := s.Fail(context.Background(), "CAPTURE_FAILED", Data{})
	require.Error(t, err)
	assert.Equal(t, Compensating, s.State())
	assert.False(t, s.Terminal())

	fail = false
	require.NoError(t, s.Compensate(context.Background()))
	assert.Equal(t, Compensated, s.State())
}

func TestConcurrentCompensateRunsCompensatorOnce(t *testing.T) {
	var calls int
	entered := make(chan struct{})
	release := make(chan struct{})
	s := New(newTx(), WithCompensator(func(context.Context, *Snapshot) (Data, error) {
		calls++
		close(entered)
		<-release
		return Data{Action: "VOID"}, nil
	}))
	authorize(t, s)

	done := make(chan error, 1)
	go func() {
		done <- s.Fail(context.Background(), "CAPTURE_FAILED", Data{})
	}()
	<-entered

	require.NoError(t, s.Compensate(context.Background()))
	assert.Equal(t, Compensating, s.State())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Compensated, s.State())
	assert.Equal(t, 1, calls)
}

func TestCompensateRequiresFailure(t *testing.T) {
	s := New(newTx())
	authorize(t, s)
	err := s.Compensate(context.Background())
	require.ErrorIs(t, err, payments.ErrIllegalTransition)
	assert.Equal(t, Authorized, s.State())
}

func TestBalanceAndRefunds(t *testing.T) {
	tx := newTx()
	tx.CaptureAmount = 6000
	s := New(tx)
	authorize(t, s)

	err := s.RecordRefund(100, "")
	require.ErrorIs(t, err, payments.ErrIllegalTransition)

	require.NoError(t, s.Transition(Capturing, Data{}))
	require.NoError(t, s.Transition(Captured, Data{}))

	authorized, captured, refunded := s.Balance()
	assert.Equal(t, int64(10000), authorized)
	assert.Equal(t, int64(6000), captured)
	assert.Zero(t, refunded)

	require.NoError(t, s.RecordRefund(2000, "r-1"))
	err = s.RecordRefund(4001, "r-2")
	require.ErrorIs(t, err, payments.ErrLimitExceeded)
	var pe *payments.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, int64(4000), pe.Remaining)

	require.NoError(t, s.Transition(Settled, Data{}))
	require.NoError(t, s.RecordRefund(4000, "r-3"))
	_, _, refunded = s.Balance()
	assert.Equal(t, int64(6000), refunded)
}

func TestSnapshotRestore(t *testing.T) {
	s := New(newTx())
	authorize(t, s)
	require.NoError(t, s.Transition(Capturing, Data{}))

	snap := s.Snapshot()
	assert.Equal(t, "psp-a", snap.PSP())
	assert.Equal(t, "ref-1", snap.Reference)

	restored, err := Restore(snap)
	require.NoError(t, err)
	assert.Equal(t, Capturing, restored.State())
	assert.Equal(t, s.History(), restored.History())
	assert.Equal(t, "psp-a", restored.PSP())

	require.NoError(t, restored.Transition(Captured, Data{Amount: 9000}))
	_, captured, _ := restored.Balance()
	assert.Equal(t, int64(9000), captured)

	_, err = Restore(&Snapshot{ID: "x"})
	require.ErrorIs(t, err, ErrCorruptSnapshot)

	bad := s.Snapshot()
	bad.State = Settled
	_, err = Restore(bad)
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	s := New(newTx())
	s.Begin([]string{"psp-a"})
	require.NoError(t, s.Transition(Authorizing, Data{}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Transition(Authorized, Data{}) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Len(t, s.History(), 3)
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()

	unlock := k.Lock("tx-1")
	acquired := make(chan struct{})
	go func() {
		u := k.Lock("tx-1")
		close(acquired)
		u()
	}()

	// a different key is independent
	other := k.Lock("tx-2")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}

	require.Eventually(t, func() bool { return k.len() == 0 }, time.Second, 5*time.Millisecond)
}
