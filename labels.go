package openmon

import "fmt"

// ExceptionLabel is the generic label attached to every recorded error,
// regardless of its kind.
const ExceptionLabel = "openmon.Exceptions"

// ErrorLabel returns the label for the concrete kind of err, which is its
// dynamic type name (for example "*fs.PathError").
func ErrorLabel(err error) string {
	return fmt.Sprintf("%T", err)
}

// Labels returns the labels describing err: its specific label first, then
// ExceptionLabel. It has no side effects.
func Labels(err error) ([]string, error) {
	if err == nil {
		return nil, ErrNilError
	}
	return []string{ErrorLabel(err), ExceptionLabel}, nil
}
