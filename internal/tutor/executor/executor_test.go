package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func collect(t *testing.T) (func(Result), func() Result) {
	t.Helper()
	ch := make(chan Result, 1)
	deliver := func(r Result) {
		ch <- r
	}
	wait := func() Result {
		select {
		case r := <-ch:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for executor result")
			return Result{}
		}
	}
	return deliver, wait
}

func TestSubmitDeliversOK(t *testing.T) {
	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}, DefaultConfig(), nil)

	deliver, wait := collect(t)
	token, err := e.Submit(context.Background(), "check_answer", nil, 0, deliver)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if token == "" {
		t.Fatal("Submit returned empty token")
	}

	res := wait()
	if res.Token != token {
		t.Errorf("Result.Token = %q, want %q", res.Token, token)
	}
	if res.Outcome != OutcomeOK {
		t.Errorf("Outcome = %v, want OK", res.Outcome)
	}
}

func TestSubmitDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	}, DefaultConfig(), nil)

	done := make(chan struct{})
	go func() {
		_, _ = e.Submit(context.Background(), "generate_question", nil, time.Second, func(Result) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on the handler")
	}
	close(release)
}

func TestSubmitTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	}, DefaultConfig(), nil)

	deliver, wait := collect(t)
	_, err := e.Submit(context.Background(), "generate_question", nil, 20*time.Millisecond, deliver)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	res := wait()
	if res.Outcome != OutcomeTimeout {
		t.Errorf("Outcome = %v, want Timeout", res.Outcome)
	}
}

func TestCancelUnknownTokenIsNoop(t *testing.T) {
	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}, DefaultConfig(), nil)

	// must not panic
	e.Cancel("does-not-exist")
}

func TestCancelDeliversCancelledOrOK(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		close(started)
		select {
		case <-release:
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, DefaultConfig(), nil)

	deliver, wait := collect(t)
	token, err := e.Submit(context.Background(), "explain_concept", nil, 5*time.Second, deliver)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	<-started
	e.Cancel(token)

	res := wait()
	// Racing with completion is permitted: either outcome is valid.
	if res.Outcome != OutcomeCancelled && res.Outcome != OutcomeOK {
		t.Errorf("Outcome = %v, want Cancelled or OK", res.Outcome)
	}
}

func TestHandlerPanicBecomesErr(t *testing.T) {
	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}, DefaultConfig(), nil)

	deliver, wait := collect(t)
	_, err := e.Submit(context.Background(), "provide_hint", nil, 0, deliver)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	res := wait()
	if res.Outcome != OutcomeErr {
		t.Fatalf("Outcome = %v, want Err", res.Outcome)
	}
	if res.Err == nil {
		t.Error("expected non-nil Err after panic recovery")
	}
}

func TestHandlerErrorBecomesErrOutcome(t *testing.T) {
	wantErr := errors.New("boom")
	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		return nil, wantErr
	}, DefaultConfig(), nil)

	deliver, wait := collect(t)
	_, _ = e.Submit(context.Background(), "diagnose_error", nil, 0, deliver)
	res := wait()
	if res.Outcome != OutcomeErr || !errors.Is(res.Err, wantErr) {
		t.Errorf("got %+v, want Err wrapping %v", res, wantErr)
	}
}

// TestExactlyOneTerminalResult exercises many concurrent submissions with
// a mix of fast/slow/erroring/panicking handlers and checks each token
// resolves exactly once.
func TestExactlyOneTerminalResult(t *testing.T) {
	const n = 50
	var calls int32
	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		switch int(atomic.AddInt32(&calls, 1)-1) % 4 {
		case 0:
			return json.RawMessage(`{}`), nil
		case 1:
			return nil, errors.New("fail")
		case 2:
			panic("boom")
		default:
			time.Sleep(50 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		}
	}, Config{Concurrency: 8, DefaultDeadline: 30 * time.Millisecond}, nil)

	var wg sync.WaitGroup
	counts := make([]int, n)
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			_, err := e.Submit(context.Background(), "check_answer", nil, 0, func(r Result) {
				mu.Lock()
				counts[idx]++
				mu.Unlock()
				close(done)
			})
			if err != nil {
				close(done)
				return
			}
			<-done
		}()
	}
	wg.Wait()

	for i, c := range counts {
		if c != 1 {
			t.Errorf("submission %d got %d terminal results, want exactly 1", i, c)
		}
	}
}

func TestConcurrencyCapIsRespected(t *testing.T) {
	const cap = 2
	var mu sync.Mutex
	inFlight := 0
	maxSeen := 0
	release := make(chan struct{})

	e := New(func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}, Config{Concurrency: cap, DefaultDeadline: 5 * time.Second}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Submit(context.Background(), "generate_question", nil, 0, func(Result) {})
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > cap {
		t.Errorf("observed %d concurrent calls, want <= %d", maxSeen, cap)
	}
}
