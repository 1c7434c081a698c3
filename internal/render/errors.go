package render

import (
	"errors"
	"fmt"
)

// Stage names the step of a render that failed
type Stage string

const (
	StageSurface    Stage = "surface"
	StageNavigate   Stage = "navigate"
	StageReady      Stage = "ready"
	StageCapture    Stage = "capture"
	StageFilesystem Stage = "filesystem"
	StageConvert    Stage = "convert"
)

var (
	// ErrNavigation is reported when the page could not be loaded in time
	ErrNavigation = errors.New("navigation failed")
	// ErrReadiness is reported when the frontend root element never appeared
	ErrReadiness = errors.New("page not ready")
	// ErrCapture covers tab, screenshot and temp file failures
	ErrCapture = errors.New("capture failed")
	// ErrConversion is reported when the converter rejected the capture
	ErrConversion = errors.New("conversion failed")
)

// Error is a render failure scoped to one page. The previous artifact and
// cache entry for the page are left as they were.
type Error struct {
	Page  int
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render page %d: %s: %v", e.Page, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the failed stage
func (e *Error) Is(target error) bool {
	switch e.Stage {
	case StageNavigate:
		return target == ErrNavigation
	case StageReady:
		return target == ErrReadiness
	case StageConvert:
		return target == ErrConversion
	default:
		return target == ErrCapture
	}
}
