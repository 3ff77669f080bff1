// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent extracts scheduling directives that the model embeds in its replies.
//
// # Wire Format
//
// A reply may carry one marked region holding a JSON payload:
//
//	Sure, I'll remind the table every morning.
//	[TASK_INFO]{"has_task":true,"task_type":"daily","task_value":"08:00",
//	"task_description":"Session reminder","task_action":"remind"}[/TASK_INFO]
//
// Everything from the start marker onward is hidden from the user. The
// grammar is defined once here and shared with the task-detection prompt
// through the exported constants.
package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
)

const (
	// StartToken names the marked region.
	StartToken = "TASK_INFO"

	// StartMarker opens the payload region.
	StartMarker = "[" + StartToken + "]"

	// EndMarker closes the payload region.
	EndMarker = "[/" + StartToken + "]"
)

// ErrMalformedPayload wraps every recoverable decode or validation failure.
var ErrMalformedPayload = errors.New("malformed intent payload")

// Parsed is the result of scanning one reply.
//
// # Description
//
// Exactly one of two shapes is produced: Directive set (a task was requested)
// or Directive nil (no task). Err is informational only: it is non-nil when a
// marked payload could not be decoded, in which case Text is the raw reply
// unchanged.
type Parsed struct {
	Text      string
	Directive *datatypes.Directive
	Err       error
}

// HasDirective reports whether the reply requested a task.
func (p Parsed) HasDirective() bool {
	return p.Directive != nil
}

// Parse separates the user-visible text from an embedded directive.
//
// # Description
//
// Parse never fails. The rules are:
//   - No complete marker pair (missing marker, or end before start): the reply
//     is returned as-is.
//   - Pair present but the payload is not valid JSON or fails validation: the
//     raw reply is returned unmodified, Directive is nil and Err is set.
//   - Pair present and valid: Text is the reply cut at the start marker,
//     right-trimmed, with a trailing bare StartToken removed. Directive is set
//     only if has_task is true.
//
// # Inputs
//
//   - raw: The model's reply.
//
// # Outputs
//
//   - Parsed: Clean text, optional directive, optional recoverable error.
//
// # Examples
//
//	p := intent.Parse(`Hi! [TASK_INFO]{"has_task":true,"task_type":"daily","task_value":"08:00"}[/TASK_INFO]`)
//	// p.Text == "Hi!", p.Directive.TaskValue == "08:00"
func Parse(raw string) Parsed {
	start := strings.Index(raw, StartMarker)
	end := strings.Index(raw, EndMarker)
	if start < 0 || end < 0 || end < start+len(StartMarker) {
		return Parsed{Text: raw}
	}
	payload := raw[start+len(StartMarker) : end]

	directive, err := decodeDirective(payload)
	if err != nil {
		slog.Warn("Ignoring malformed intent payload", "error", err, "payloadLen", len(payload))
		return Parsed{Text: raw, Err: err}
	}

	text := strings.TrimRightFunc(raw[:start], unicode.IsSpace)
	if trimmed, ok := strings.CutSuffix(text, StartToken); ok {
		text = strings.TrimRightFunc(trimmed, unicode.IsSpace)
	}

	if !directive.HasTask {
		return Parsed{Text: text}
	}
	return Parsed{Text: text, Directive: directive}
}

// decodeDirective decodes and validates a payload.
func decodeDirective(payload string) (*datatypes.Directive, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(payload))))

	var d datatypes.Directive
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after payload", ErrMalformedPayload)
	}
	if err := validateDirective(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &d, nil
}

// validateDirective checks type and value of a directive that requests a task.
func validateDirective(d *datatypes.Directive) error {
	if !d.HasTask {
		return nil
	}
	d.TaskType = strings.ToLower(strings.TrimSpace(d.TaskType))
	d.TaskValue = strings.TrimSpace(d.TaskValue)

	switch d.TaskType {
	case datatypes.TaskTypeDaily:
		if !isClock(d.TaskValue) {
			return fmt.Errorf("daily task_value %q is not HH:MM", d.TaskValue)
		}
	case datatypes.TaskTypeCron:
		if n := len(strings.Fields(d.TaskValue)); n != 5 {
			return fmt.Errorf("cron task_value has %d fields, want 5", n)
		}
	default:
		return fmt.Errorf("unknown task_type %q", d.TaskType)
	}
	return nil
}

// isClock accepts 24-hour HH:MM.
func isClock(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	hour := int(s[0]-'0')*10 + int(s[1]-'0')
	minute := int(s[3]-'0')*10 + int(s[4]-'0')
	return hour < 24 && minute < 60
}
