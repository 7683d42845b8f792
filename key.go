package openmon

import (
	"fmt"
	"reflect"
)

// KeyPolicy selects how two error values are judged to be the same cache entry.
type KeyPolicy int

const (
	// KeyByIdentity keys on the error interface value itself. Pointer errors
	// (errors.New, fmt.Errorf, *os.PathError, ...) are therefore distinct per
	// allocation even when their messages match. Values whose dynamic type is
	// not comparable, or that do not equal themselves (a NaN field), fall back
	// to KeyByValue.
	KeyByIdentity KeyPolicy = iota

	// KeyByValue keys on the dynamic type name and the Error() text, so
	// separately constructed but identical errors share one entry.
	KeyByValue
)

// String returns the policy name.
func (p KeyPolicy) String() string {
	switch p {
	case KeyByIdentity:
		return "identity"
	case KeyByValue:
		return "value"
	default:
		return fmt.Sprintf("KeyPolicy(%d)", int(p))
	}
}

// valueKey is the structural identity of an error.
type valueKey struct {
	kind string
	msg  string
}

func identityKey(err error) any {
	v := reflect.ValueOf(err)
	if v.Comparable() && v.Equal(v) {
		return err
	}
	return structuralKey(err)
}

func structuralKey(err error) any {
	return valueKey{kind: ErrorLabel(err), msg: err.Error()}
}

func keyFuncFor(p KeyPolicy) func(error) any {
	if p == KeyByValue {
		return structuralKey
	}
	return identityKey
}
