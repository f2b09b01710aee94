// Package runner defines the terminal outcome of a supervised run.
package runner

import (
	"context"
)

// Runner starts a supervised run and blocks until it is complete.
type Runner interface {
	Run(context.Context) Result
}
