package constants

import "time"

const (
	// MinInspectionTimeout is the lower clamp applied to client-requested timeouts.
	MinInspectionTimeout = 5 * time.Second
	// MaxInspectionTimeout is the upper clamp applied to client-requested timeouts.
	MaxInspectionTimeout = 30 * time.Second
	// DefaultInspectionTimeout is used when the client does not request a timeout.
	DefaultInspectionTimeout = 12 * time.Second
)

const (
	// MaxRedirectHops caps manual redirect following in the fetcher.
	MaxRedirectHops = 10
	// MaxBodyBytes caps how much of a response body the fetcher retains.
	MaxBodyBytes = 1 << 20
)

const (
	// MaxBatchSize caps how many URLs a single batch request may carry.
	MaxBatchSize = 20
	// BatchConcurrency caps simultaneous targets in flight within a batch.
	BatchConcurrency = 8
	// BatchStagger is inserted between task starts within a batch chunk.
	BatchStagger = 100 * time.Millisecond
)

const (
	// MaxDecodeRounds bounds iterative percent-decoding during URL validation.
	// Inputs still decodable past this are treated as bypass attempts.
	MaxDecodeRounds = 5
)

const (
	// LockHardCap bounds how long any named lock may be held before the
	// sweeper force-releases it.
	LockHardCap = 5 * time.Second
	// LockWaitCap bounds how long a caller waits for a contended lock.
	LockWaitCap = 2 * time.Second
)
