package cancel

import (
	"context"
	"testing"
	"time"
)

func TestZeroTokenNeverCancelled(t *testing.T) {
	var tok Token
	if tok.Cancelled() {
		t.Fatal("zero token must not be cancelled")
	}
	ctx, stop := tok.Context(context.Background())
	defer stop()
	select {
	case <-ctx.Done():
		t.Fatal("context from zero token should stay open")
	default:
	}
}

func TestCancelKeepsFirstReason(t *testing.T) {
	src := NewSource()
	tok := src.Token()
	src.Cancel("user")
	src.Cancel("shutdown")
	if !tok.Cancelled() {
		t.Fatal("token should observe cancellation")
	}
	if tok.Reason() != "user" {
		t.Fatalf("unexpected reason %q", tok.Reason())
	}
}

func TestJoinObservesEitherSource(t *testing.T) {
	run := NewSource()
	stream := NewSource()
	joined := Join(run.Token(), stream.Token())

	ctx, stop := joined.Context(context.Background())
	defer stop()

	stream.Cancel("soft")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("joined context should end when the stream source is cancelled")
	}
	if joined.Reason() != "soft" {
		t.Fatalf("unexpected reason %q", joined.Reason())
	}
	if run.Cancelled() {
		t.Fatal("run source must stay untouched")
	}
}

func TestContextOfCancelledToken(t *testing.T) {
	src := NewSource()
	src.Cancel("stop")
	ctx, stop := src.Token().Context(context.Background())
	defer stop()
	if ctx.Err() == nil {
		t.Fatal("context of an already cancelled token should be done")
	}
}
