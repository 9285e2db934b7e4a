// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatcher implements job lifecycle management: idempotent
// job creation, node selection and reservation, lease tracking with
// failover, and result acceptance with attempt-id and duplicate-result
// rejection.
package dispatcher

import (
	"fmt"
	"time"

	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/mitchellh/hashstructure/v2"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one translation unit of work: one utterance, bound for one
// target language.
type Job struct {
	IdempotencyKey string
	JobID          string
	RequestID      string
	TenantID       string
	SessionID      string
	UtteranceIndex int
	SourceLang     string
	TargetLang     string
	Features       map[string]any

	Status           Status
	NodeID           string
	AttemptID        string
	FailoverAttempts int

	// LastErrorCode/LastErrorMessage record the most recent worker-reported
	// failure, if any, so a ResultHandler notified of a terminal Failed
	// job can relay a specific cause instead of a generic one.
	LastErrorCode    string
	LastErrorMessage string

	CreatedAt      time.Time
	LeaseExpiresAt time.Time

	// SelectionReq is remembered from the first Dispatch call so a
	// lease-timeout failover can reselect under the same constraints.
	SelectionReq registry.SelectionRequest
}

// idempotencyKey builds the exact key format every instance must agree
// on so concurrent create_or_get_job calls for the same utterance
// collapse onto one job: {tenant}:{session}:{utterance_index}:translation:{tgt_lang}:{hash(features)}.
func idempotencyKey(tenant, session string, utteranceIndex int, tgtLang string, features map[string]any) (string, error) {
	h, err := hashstructure.Hash(features, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("failed to hash job features: %w", err)
	}
	return fmt.Sprintf("%s:%s:%d:translation:%s:%x", tenant, session, utteranceIndex, tgtLang, h), nil
}
