package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch indicates that the rank or dimensions of an input
	// tensor do not match the contract of the operation.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnsupportedConfiguration indicates a head size, dtype or cache
	// dtype outside the supported enumeration.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrDeviceStorage indicates that a tensor is not resident in the
	// memory tier an operation expects.
	ErrDeviceStorage = errors.New("tensor resident in unexpected memory")
)

// ShapeErrorf builds an ErrShapeMismatch with a formatted detail.
func ShapeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}

// CheckRank validates the rank of t against the operation's contract.
func CheckRank(t *Tensor, rank int, name string) error {
	if t.Rank() != rank {
		return ShapeErrorf("%s must have rank %d, got shape %v", name, rank, t.Shape())
	}

	return nil
}

// CheckMemory validates that t lives in the expected memory tier.
func CheckMemory(t *Tensor, mem Memory, name string) error {
	if t.Memory() != mem {
		return fmt.Errorf("%w: %s is %v, expected %v", ErrDeviceStorage, name, t.Memory(), mem)
	}

	return nil
}
