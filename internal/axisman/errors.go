package axisman

import "errors"

var (
	// ErrDuplicateAxis is returned when two axes of the same name are
	// declared on one container.
	ErrDuplicateAxis = errors.New("duplicate axis")

	// ErrDuplicateField is returned when a field or sub-container name is
	// already taken at the same container level.
	ErrDuplicateField = errors.New("duplicate field")

	// ErrUnknownField is returned by Move when the named field does not exist.
	ErrUnknownField = errors.New("unknown field")

	// ErrAxisMismatch is returned when a field's bindings reference a missing
	// axis or a dimension length disagrees with the bound axis.
	ErrAxisMismatch = errors.New("axis mismatch")

	// ErrUnknownAxis is returned by Restrict when the axis does not exist
	// anywhere in the container tree.
	ErrUnknownAxis = errors.New("unknown axis")

	// ErrSelectorOutOfRange is returned when a selector names identities the
	// axis does not have, or a selector kind does not apply to the axis kind.
	ErrSelectorOutOfRange = errors.New("selector out of range")

	// ErrAxisConflict is returned by Merge when two same-named axes cannot be
	// reconciled (different kind, or empty intersection).
	ErrAxisConflict = errors.New("axis conflict")

	// ErrFieldConflict is returned by Merge when both containers carry a
	// same-named field with differing data.
	ErrFieldConflict = errors.New("field conflict")
)
