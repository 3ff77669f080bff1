// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultConversationID is used when a request names no conversation.
	DefaultConversationID = "default"

	// DefaultMaxMessageRunes bounds a single inbound message.
	DefaultMaxMessageRunes = 2000

	// MaxPermissionLevel is the upper bound of the requester permission scale.
	MaxPermissionLevel = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// turnValidate is the validator instance for turn and persona datatypes.
// Built at package initialization so every file's init can rely on it.
var turnValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Register custom validators for blank strings and persona ids
	_ = v.RegisterValidation("notblank", validateNotBlank)
	_ = v.RegisterValidation("personaid", validatePersonaID)
	return v
}

// validateNotBlank fails empty and whitespace-only strings.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Turn Request
// =============================================================================

// TurnRequest is one inbound chat turn.
//
// # Description
//
// TurnRequest carries the conversation key, the author identity, the message
// text and the requester's permission level. It is the body of POST /chat and
// the argument of the turn service.
//
// # Validation
//
//   - Message: required, not blank, at most the configured rune limit
//   - PermissionLevel: 0..100
//   - ConversationID, UserID, UserName: at most 128 characters
//
// # Examples
//
//	req := TurnRequest{
//	    ConversationID:  "group_42",
//	    UserID:          "1001",
//	    UserName:        "Mira",
//	    Message:         "What level spell is fireball?",
//	    PermissionLevel: 60,
//	}
type TurnRequest struct {
	ConversationID  string `json:"conversation_id" validate:"max=128"`
	UserID          string `json:"user_id" validate:"max=128"`
	UserName        string `json:"user_name" validate:"max=128"`
	Message         string `json:"message" validate:"required,notblank"`
	PermissionLevel int    `json:"permission_level" validate:"min=0,max=100"`
}

// EnsureDefaults fills the default conversation id.
func (r *TurnRequest) EnsureDefaults() {
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	if r.ConversationID == "" {
		r.ConversationID = DefaultConversationID
	}
}

// Identity returns the author identity of the turn.
func (r *TurnRequest) Identity() Identity {
	return Identity{UserID: r.UserID, DisplayName: r.UserName}
}

// Validate checks the request against its tags and the rune limit.
//
// # Inputs
//
//   - maxRunes: Message length limit in characters. Values < 1 use DefaultMaxMessageRunes.
//
// # Outputs
//
//   - error: *Error of KindInvalidArgument, or nil.
func (r *TurnRequest) Validate(maxRunes int) error {
	if maxRunes < 1 {
		maxRunes = DefaultMaxMessageRunes
	}
	if err := turnValidate.Struct(r); err != nil {
		return WrapError(KindInvalidArgument, "submit_turn", describeValidation(err), err)
	}
	if n := utf8.RuneCountInString(r.Message); n > maxRunes {
		return NewError(KindInvalidArgument, "submit_turn",
			fmt.Sprintf("message too long: %d characters, limit %d", n, maxRunes))
	}
	return nil
}

// describeValidation turns the first validator failure into a caller-safe sentence.
func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required", "notblank":
		return strings.ToLower(fe.Field()) + " must not be empty"
	case "min", "max":
		return fmt.Sprintf("%s out of range (%s=%s)", strings.ToLower(fe.Field()), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
	}
}

// =============================================================================
// Turn Result
// =============================================================================

// Directive is a structured scheduling intent emitted by the model.
type Directive struct {
	HasTask         bool   `json:"has_task"`
	TaskType        string `json:"task_type,omitempty"`
	TaskValue       string `json:"task_value,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	TaskAction      string `json:"task_action,omitempty"`
}

// Directive task types.
const (
	TaskTypeCron  = "cron"
	TaskTypeDaily = "daily"
)

// RetrievalDecision records whether retrieved context was spliced into a turn.
//
// # Description
//
// The decision is kept even when retrieval was skipped or rejected, so the
// reason is visible to callers and metrics.
type RetrievalDecision struct {
	Attempted    bool     `json:"attempted"`
	Used         bool     `json:"used"`
	Reason       string   `json:"reason"`
	Category     string   `json:"category,omitempty"`
	Confidence   float64  `json:"confidence"`
	FoundResults int      `json:"found_results"`
	Sources      []string `json:"sources,omitempty"`
}

// Retrieval decision reasons.
const (
	RetrievalReasonNoDomainTerms    = "no_domain_terms"
	RetrievalReasonIndexUnavailable = "index_unavailable"
	RetrievalReasonIndexError       = "index_error"
	RetrievalReasonNoResults        = "no_results"
	RetrievalReasonLowConfidence    = "low_confidence"
	RetrievalReasonUsed             = "used"
)

// TurnResult is the outcome of one turn.
type TurnResult struct {
	TurnID         string             `json:"turn_id"`
	ConversationID string             `json:"conversation_id"`
	Reply          string             `json:"reply"`
	Success        bool               `json:"success"`
	Error          string             `json:"error,omitempty"`
	Directive      *Directive         `json:"directive,omitempty"`
	Retrieval      *RetrievalDecision `json:"retrieval,omitempty"`
}

// ClearHistoryRequest is the body of POST /clear_history.
type ClearHistoryRequest struct {
	ConversationID string `json:"conversation_id"`
}
