// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatcher

import "errors"

var (
	// ErrRequestLockTimeout is returned by Dispatch when another caller
	// holds the request-level lock past the spin budget.
	ErrRequestLockTimeout = errors.New("dispatcher: timed out waiting for request lock")
	// ErrUnknownJob is returned by operations addressing a job id this
	// instance has no record of.
	ErrUnknownJob = errors.New("dispatcher: unknown job")
	// ErrAttemptMismatch is returned by OnResult when the reported
	// attempt id does not match the job's current dispatch attempt,
	// meaning the result belongs to a superseded (failed-over) attempt.
	ErrAttemptMismatch = errors.New("dispatcher: result attempt id does not match current attempt")
	// ErrJobNotDispatched is returned by OnResult/ReportFailure when the
	// job isn't currently in the Dispatched state.
	ErrJobNotDispatched = errors.New("dispatcher: job is not dispatched")
)
