package workload

import "errors"

var (
	// ErrUnknownKind is returned by Execute for a Kind outside the operation table.
	ErrUnknownKind = errors.New("unknown workload operation")

	// ErrOperationFailed wraps the driver error of a failed operation.
	ErrOperationFailed = errors.New("workload operation failed")

	// ErrNilRand is returned when a nil *rand.Rand is passed.
	ErrNilRand = errors.New("random source must not be nil")

	// ErrNilDataSource is returned when a nil DataSource is passed.
	ErrNilDataSource = errors.New("data source must not be nil")

	// ErrNilHandles is returned when a Scheduler is created without a handle provider.
	ErrNilHandles = errors.New("handle provider must not be nil")

	// ErrNilExecutor is returned when a Scheduler is created without an executor.
	ErrNilExecutor = errors.New("executor must not be nil")

	// ErrInvalidDelayRange is returned for a negative delay or a max delay below the min delay.
	ErrInvalidDelayRange = errors.New("invalid delay range")

	// ErrNilSleeper is returned when WithSleeper receives nil.
	ErrNilSleeper = errors.New("sleeper must not be nil")
)
