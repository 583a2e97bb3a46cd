package errx

// Type represents the category of error
type Type string

const (
	// TypeInternal represents internal errors
	TypeInternal Type = "INTERNAL"

	// TypeValidation represents malformed input
	TypeValidation Type = "VALIDATION"

	// TypeAuthorization represents authentication/authorization failures
	TypeAuthorization Type = "AUTHORIZATION"

	// TypeNotFound represents unknown resources
	TypeNotFound Type = "NOT_FOUND"

	// TypeConflict represents state conflicts (lost races, invalid transitions)
	TypeConflict Type = "CONFLICT"

	// TypeBusiness represents policy decisions such as admission rejections
	TypeBusiness Type = "BUSINESS"

	// TypeExternal represents errors returned by external services
	TypeExternal Type = "EXTERNAL"

	// TypeUnavailable represents transient unavailability of a dependency
	TypeUnavailable Type = "UNAVAILABLE"
)

// String returns the string representation of the error type
func (t Type) String() string {
	return string(t)
}

// Transient reports whether errors of this type are worth retrying.
func (t Type) Transient() bool {
	return t == TypeUnavailable || t == TypeExternal
}
