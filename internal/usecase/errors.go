package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrEngine         = errors.New("engine error")
	ErrRepository     = errors.New("repository error")
	ErrInvalidRequest = errors.New("invalid request")
)

// wrapEngine keeps the cause matchable so domain sentinels still map to
// their HTTP status.
func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrEngine, err)
}

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRepository, err)
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
