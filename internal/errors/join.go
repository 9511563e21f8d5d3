package errors

import stderrors "errors"

// Join wraps the standard library join so callers only import one errors package.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
