package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeWithRetry_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := serveWithRetry(func() error {
		calls++
		return nil
	}, 3, 0, discardLogger())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestServeWithRetry_RecoversAfterFailedBind(t *testing.T) {
	calls := 0
	err := serveWithRetry(func() error {
		calls++
		if calls < 3 {
			return errors.New("address already in use")
		}
		return http.ErrServerClosed
	}, 3, 0, discardLogger())
	if !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("Expected the serve result after a successful bind, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected two retries before success, got %d attempts", calls)
	}
}

func TestServeWithRetry_CleanShutdownNotRetried(t *testing.T) {
	calls := 0
	serveWithRetry(func() error {
		calls++
		return http.ErrServerClosed
	}, 3, 0, discardLogger())
	if calls != 1 {
		t.Errorf("Expected no retry after a clean shutdown, got %d attempts", calls)
	}
}

func TestServeWithRetry_GivesUpAfterBoundedAttempts(t *testing.T) {
	bindErr := errors.New("address already in use")
	calls := 0
	err := serveWithRetry(func() error {
		calls++
		return bindErr
	}, 3, 0, discardLogger())
	if !errors.Is(err, bindErr) {
		t.Fatalf("Expected the bind error surfaced, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected exactly three attempts, got %d", calls)
	}
}
