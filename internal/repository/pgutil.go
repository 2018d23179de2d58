package repository

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// numericOrNil maps an empty decimal string to SQL NULL. All wei/gas values
// travel as strings and land in NUMERIC(78,0) columns.
func numericOrNil(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isSharedMemoryError matches the storage error class "out of shared memory"
// (SQLSTATE 53200) and its close relative 53300 (too many connections).
func isSharedMemoryError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "53200" || pgErr.Code == "53300"
	}
	return strings.Contains(strings.ToLower(err.Error()), "out of shared memory")
}

// isUniqueViolation reports a unique-constraint conflict. Callers that use
// ON CONFLICT never see these; anything else hitting one is a permanent
// storage error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// withSharedMemoryRetry retries fn up to 3 times on the shared-memory error
// class with jittered exponential backoff. Any other error returns
// immediately.
func withSharedMemoryRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !isSharedMemoryError(err) {
			return err
		}

		delay := time.Duration(1<<attempt)*time.Second + time.Duration(rand.Intn(500))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
