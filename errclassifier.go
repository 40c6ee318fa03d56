// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"errors"

	"github.com/bassosimone/errclass"
)

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "EEDGENOTFOUND") that end up in the errClass field of log events.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// Labels assigned by [DefaultErrClassifier] to this package's errors.
const (
	ClassEdgeAlreadyExists = "EEDGEEXISTS"
	ClassEdgeNotFound      = "EEDGENOTFOUND"
	ClassDetachForbidden   = "EDETACHFORBIDDEN"
	ClassEdgeClosed        = "EEDGECLOSED"
	ClassNodeClosed        = "ENODECLOSED"
	ClassDesync            = "EDESYNC"
	ClassFrameTooLarge     = "EFRAMETOOLARGE"
)

// DefaultErrClassifier labels this package's errors and delegates
// everything else to [errclass.New]. It returns "" for a nil error.
var DefaultErrClassifier = ErrClassifierFunc(classify)

func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEdgeAlreadyExists):
		return ClassEdgeAlreadyExists
	case errors.Is(err, ErrEdgeNotFound):
		return ClassEdgeNotFound
	case errors.Is(err, ErrDetachForbidden):
		return ClassDetachForbidden
	case errors.Is(err, ErrEdgeClosed):
		return ClassEdgeClosed
	case errors.Is(err, ErrNodeClosed):
		return ClassNodeClosed
	case errors.Is(err, ErrDesync):
		return ClassDesync
	case errors.Is(err, ErrFrameTooLarge):
		return ClassFrameTooLarge
	default:
		return errclass.New(err)
	}
}
