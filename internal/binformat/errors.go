package binformat

import "fmt"

// MalformedBinaryError is returned when a binary model file fails a
// structural check: a count mismatch, a negative count, or premature EOF.
type MalformedBinaryError struct {
	File   string
	Reason string
}

func (e *MalformedBinaryError) Error() string {
	return fmt.Sprintf("malformed binary file %s: %s", e.File, e.Reason)
}

func malformed(file, reason string) error {
	return &MalformedBinaryError{File: file, Reason: reason}
}

// UnknownCameraModelError is returned when a cameras file encodes a
// model-kind outside the fixed enumeration.
type UnknownCameraModelError struct {
	Kind uint32
}

func (e *UnknownCameraModelError) Error() string {
	return fmt.Sprintf("unknown camera model kind %d", e.Kind)
}
