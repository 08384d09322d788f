package apperrors

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNameConflict      = errors.New("name already exists")
	ErrScopeViolation    = errors.New("operation not valid for preset scope")
	ErrNoTarget          = errors.New("mapping has no target configured")
	ErrSelfSwap          = errors.New("target matches the current connection")
	ErrSwapInProgress    = errors.New("swap already in progress")
	ErrAuthRequired      = errors.New("cloud authentication required")
	ErrModelNotOpen      = errors.New("model is not open in a running process")
	ErrFileLocked        = errors.New("report file is locked by another process")
	ErrUnsupportedFormat = errors.New("unsupported report file format")
)
