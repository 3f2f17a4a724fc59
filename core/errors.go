package core

import "errors"

// Sentinel error kinds. Callers wrap them with context and match with errors.Is.
var (
	// ErrPrecondition is returned when an operation runs before the state it
	// depends on exists, e.g. a layer edit requested with an empty activation cache.
	ErrPrecondition = errors.New("precondition not met")

	// ErrShapeMismatch is returned when tensor dimensions do not fit the
	// operation: odd block partitions, path/tangent length mismatch, or
	// inner dimensions that disagree.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrConfiguration is returned for unsupported settings such as an unknown
	// quadrature rule or an eigenvector count above the hidden width.
	ErrConfiguration = errors.New("invalid configuration")
)
