package conebeam

import "errors"

var (
	ErrNoFiles        = errors.New("order has no cone-beam files")
	ErrOrderNotFound  = errors.New("order not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrShuttingDown   = errors.New("server shutting down")
	errEmptyOrderID   = errors.New("empty order id")
	errBuilderPanic   = errors.New("archive build panicked")
	errMissingBuilder = errors.New("archive builder not configured")
)
