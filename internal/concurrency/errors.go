// File: internal/concurrency/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "errors"

// ErrExecutorClosed is returned by Executor.Submit once the executor
// has begun or finished shutting down.
var ErrExecutorClosed = errors.New("executor is closed")
