package attempt

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/flowctl/internal/model"
)

func outcome(ok bool, retryable bool, status int) model.AttemptOutcome {
	return model.AttemptOutcome{OK: ok, Retryable: retryable, StatusCode: status, Timestamp: time.Now()}
}

func TestRetryCountBoundsOnNonRetryableFailure(t *testing.T) {
	var calls int32
	e := New(Config{Attempts: 5, Wait: time.Millisecond, ReturnResult: true}, nil)
	_, err := e.Run(context.Background(), func(ctx context.Context, n int) (model.AttemptOutcome, error) {
		atomic.AddInt32(&calls, 1)
		return outcome(false, false, 404), &TransportError{StatusCode: 404, Retryable: false}
	})
	if err == nil {
		t.Fatalf("expected error for non-retryable failure")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 invocation for non-retryable 404, got %d", got)
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	var calls int32
	e := New(Config{Attempts: 3, Wait: 10 * time.Millisecond, ReturnResult: true}, nil)
	res, err := e.Run(context.Background(), func(ctx context.Context, n int) (model.AttemptOutcome, error) {
		c := atomic.AddInt32(&calls, 1)
		if c < 3 {
			return outcome(false, true, 500), &TransportError{StatusCode: 500, Retryable: true}
		}
		o := outcome(true, false, 200)
		o.Data = map[string]any{"status": "success"}
		return o, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success")
	}
	if calls != 3 {
		t.Fatalf("expected 3 invocations, got %d", calls)
	}
}

func TestDelayFormulas(t *testing.T) {
	base := 100 * time.Millisecond
	if d := Delay(StrategyFixed, base, 3, 0, 0); d != base {
		t.Fatalf("FIXED: expected %v, got %v", base, d)
	}
	if d := Delay(StrategyLinear, base, 3, 0, 0); d != 3*base {
		t.Fatalf("LINEAR: expected %v, got %v", 3*base, d)
	}
	if d := Delay(StrategyExponential, base, 3, 0, 0); d != 4*base {
		t.Fatalf("EXPONENTIAL: expected %v, got %v", 4*base, d)
	}
	if d := Delay(StrategyFixed, base, 1, 0, 10*time.Millisecond); d != 10*time.Millisecond {
		t.Fatalf("expected cap at maxAllowedWait, got %v", d)
	}
	for i := 0; i < 50; i++ {
		d := Delay(StrategyFixed, base, 1, 0.5, 0)
		if d < time.Duration(float64(base)*0.5) || d > time.Duration(float64(base)*1.5) {
			t.Fatalf("jittered delay %v outside [50ms,150ms]", d)
		}
	}
}

func TestResponseAnalyzerRejectsThenAccepts(t *testing.T) {
	var calls int32
	e := New(Config{
		Attempts: 3,
		Wait:     5 * time.Millisecond,
		ReturnResult: true,
		ResponseAnalyzer: func(o model.AttemptOutcome) bool {
			m, _ := o.Data.(map[string]any)
			return m["status"] == "completed"
		},
	}, nil)
	res, err := e.Run(context.Background(), func(ctx context.Context, n int) (model.AttemptOutcome, error) {
		c := atomic.AddInt32(&calls, 1)
		o := outcome(true, false, 200)
		if c == 1 {
			o.Data = map[string]any{"status": "processing"}
		} else {
			o.Data = map[string]any{"status": "completed"}
		}
		return o, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected transport called twice, got %d", calls)
	}
	data := res.Data.(map[string]any)
	if data["status"] != "completed" {
		t.Fatalf("expected completed payload, got %v", data)
	}
}

func TestFinalErrorAnalyzerAbsorbsError(t *testing.T) {
	e := New(Config{
		Attempts:           2,
		Wait:               time.Millisecond,
		FinalErrorAnalyzer: func(err error) bool { return true },
	}, nil)
	res, err := e.Run(context.Background(), func(ctx context.Context, n int) (model.AttemptOutcome, error) {
		return outcome(false, true, 500), &TransportError{StatusCode: 500, Retryable: true}
	})
	if err != nil {
		t.Fatalf("expected absorbed error, got %v", err)
	}
	if res.Success {
		t.Fatalf("expected success=false result")
	}
}

func TestTrialModeForcesFailureAtProbabilityOne(t *testing.T) {
	var transportCalls int32
	e := New(Config{
		Attempts: 1,
		TrialMode: TrialModeConfig{Enabled: true, ReqFailureProbability: 1},
	}, nil)
	_, err := e.Run(context.Background(), func(ctx context.Context, n int) (model.AttemptOutcome, error) {
		atomic.AddInt32(&transportCalls, 1)
		return outcome(true, false, 200), nil
	})
	if err == nil {
		t.Fatalf("expected trial-mode simulated failure")
	}
	if transportCalls != 0 {
		t.Fatalf("trial mode must bypass the real transport")
	}
}

func TestTrialModeSucceedsAtProbabilityZero(t *testing.T) {
	e := New(Config{
		Attempts:     1,
		ReturnResult: true,
		TrialMode:    TrialModeConfig{Enabled: true, ReqFailureProbability: 0},
	}, nil)
	res, err := e.Run(context.Background(), func(ctx context.Context, n int) (model.AttemptOutcome, error) {
		return outcome(true, false, 200), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := res.Data.(map[string]any)
	if _, ok := data["trialMode"]; !ok {
		t.Fatalf("expected trialMode sentinel in payload")
	}
}

func TestTrialModeRejectsOutOfRangeProbability(t *testing.T) {
	e := New(Config{
		Attempts:  1,
		TrialMode: TrialModeConfig{Enabled: true, ReqFailureProbability: 1.5},
	}, nil)
	_, err := e.Run(context.Background(), func(ctx context.Context, n int) (model.AttemptOutcome, error) {
		return outcome(true, false, 200), nil
	})
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
