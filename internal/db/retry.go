package db

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func() error

// Retryable classifies an error as worth another attempt.
type Retryable func(err error) bool

const DefaultMaxRetries = 3

// ErrConflict signals that an optimistic compare-and-swap lost the race:
// the document's version moved between read and write. It is an internal
// retry signal and must never reach an external caller.
var ErrConflict = errors.New("optimistic concurrency conflict")

// Try executes an operation retrying duplicate-key errors, the common case
// for inserts with random IDs.
func Try(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, IsMongoDuplicateKeyError)
}

// TryCAS executes an operation retrying optimistic-concurrency conflicts.
// The operation must re-read the document and re-run its checks on each
// attempt, so the write is always validated against the freshest state.
func TryCAS(op Operation, maxRetries int) error {
	return WithRetries(op, maxRetries, IsConflict)
}

// WithRetries attempts op up to 1+maxRetries times, retrying only errors
// the classifier accepts, with a small incremental backoff between attempts.
func WithRetries(op Operation, maxRetries int, retryable Retryable) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		if retryable(err) {
			time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
		} else {
			return err
		}
	}
	return err
}

// IsConflict reports whether err is (or wraps) a CAS conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsMongoDuplicateKeyError checks if an error from MongoDB is a duplicate key error (code 11000).
func IsMongoDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, e := range bwe.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
