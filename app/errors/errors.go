package errors

import (
	"errors"
	"log/slog"
	"sort"
)

// Error kinds. Every error that aborts an update cycle wraps exactly one of
// these, so callers can classify failures with errors.Is.
var (
	ErrConfig        = errors.New("configuration error")
	ErrPrerequisite  = errors.New("prerequisite error")
	ErrFetch         = errors.New("fetch error")
	ErrValidation    = errors.New("validation error")
	ErrEmptyResult   = errors.New("empty result error")
	ErrSetBuild      = errors.New("set build error")
	ErrRuleReconcile = errors.New("rule reconcile error")
	// ErrFatal signals that the process should stop and let an external
	// supervisor take over.
	ErrFatal = errors.New("fatal error")
)

var kinds = []error{
	ErrConfig, ErrPrerequisite, ErrFetch, ErrValidation, ErrEmptyResult,
	ErrSetBuild, ErrRuleReconcile, ErrFatal,
}

// KindOf returns the kind of the outermost classified StructuredError in err's
// tree. Otherwise it returns the first known kind found in the tree, or nil.
func KindOf(err error) error {
	var serr *StructuredError
	if errors.As(err, &serr) && serr.kind != nil {
		return serr.kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Log logs an error using the given slog logger, extracting metadata if it's
// a StructuredError. If logger is nil, the default logger is used.
func Log(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	args := []any{}
	if kind := KindOf(err); kind != nil {
		args = append(args, "kind", kind.Error())
	}

	var serr *StructuredError
	if !errors.As(err, &serr) {
		logger.Error(err.Error(), args...)
		return
	}

	msg := err.Error()
	if serr == err { //nolint:errorlint // Checking identity, not the error tree.
		msg = serr.Message()
		cause := serr.metadata["cause"]
		if serr.cause != nil {
			cause = serr.cause
		}
		if cause != nil {
			args = append(args, "cause", cause)
		}
	}

	keys := make([]string, 0, len(serr.metadata))
	for k := range serr.metadata {
		if k != "cause" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		args = append(args, k, serr.metadata[k])
	}

	logger.Error(msg, args...)
}
