package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfMemoryError is the error returned when the operating system refuses to provide more memory,
// or when an allocation cannot be placed after the heap has been extended
var OutOfMemoryError error = errors.New("out of memory")
