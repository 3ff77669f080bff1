// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/open-policy-agent/opa/v1/rego"
)

// DefaultPermissionThreshold is the minimum level allowed to schedule tasks.
const DefaultPermissionThreshold = 60

// PermissionWarning is appended to the reply when a directive is denied.
const PermissionWarning = "\n\n(Notice: you do not have permission to create scheduled tasks, so this request was not scheduled.)"

//go:embed policy/intent.rego
var defaultPolicy string

// Gate decides whether a requester may act on a directive.
//
// # Description
//
// Implementations must fail closed: any error is treated as a denial by
// callers.
type Gate interface {
	Allow(ctx context.Context, permissionLevel int, d *datatypes.Directive) (bool, error)
}

// =============================================================================
// Threshold Gate
// =============================================================================

// ThresholdGate allows levels at or above Min.
type ThresholdGate struct {
	Min int
}

// Allow implements Gate.
func (g ThresholdGate) Allow(_ context.Context, permissionLevel int, _ *datatypes.Directive) (bool, error) {
	return permissionLevel >= g.Min, nil
}

// =============================================================================
// Rego Gate
// =============================================================================

// RegoGate evaluates a Rego policy for each directive.
//
// # Description
//
// The policy is compiled once. Evaluation receives:
//
//	{"permission_level": 75, "threshold": 60, "task_type": "daily"}
//
// and must define data.tavern.intent.allow as a boolean. Undefined or
// non-boolean results deny.
//
// # Thread Safety
//
// Safe for concurrent use; rego.PreparedEvalQuery is reentrant.
type RegoGate struct {
	query     rego.PreparedEvalQuery
	threshold int
}

// NewRegoGate compiles policy, or the built-in policy when policy is empty.
//
// # Inputs
//
//   - ctx: Bounds compilation.
//   - policy: Rego v1 module source. Empty uses the embedded default.
//   - threshold: Passed to the policy as input.threshold.
//
// # Outputs
//
//   - *RegoGate: Ready to evaluate.
//   - error: The policy failed to parse or compile.
func NewRegoGate(ctx context.Context, policy string, threshold int) (*RegoGate, error) {
	if policy == "" {
		policy = defaultPolicy
	}
	query, err := rego.New(
		rego.Query("data.tavern.intent.allow"),
		rego.Module("intent.rego", policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare intent policy: %w", err)
	}
	return &RegoGate{query: query, threshold: threshold}, nil
}

// Allow implements Gate.
func (g *RegoGate) Allow(ctx context.Context, permissionLevel int, d *datatypes.Directive) (bool, error) {
	input := map[string]interface{}{
		"permission_level": permissionLevel,
		"threshold":        g.threshold,
	}
	if d != nil {
		input["task_type"] = d.TaskType
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("intent policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// =============================================================================
// Applying a gate
// =============================================================================

// Decision is the gated outcome of one reply.
type Decision struct {
	// Text is the user-visible reply, with PermissionWarning appended on denial.
	Text string

	// Directive is set only when a directive was parsed and allowed.
	Directive *datatypes.Directive

	// Denied is true when a directive was present but not allowed.
	Denied bool
}

// Apply runs gate over a parsed reply.
//
// # Description
//
// Replies without a directive pass through. A gate error is logged and
// treated as a denial.
func Apply(ctx context.Context, gate Gate, permissionLevel int, p Parsed) Decision {
	if !p.HasDirective() {
		return Decision{Text: p.Text}
	}

	allowed, err := gate.Allow(ctx, permissionLevel, p.Directive)
	if err != nil {
		slog.Warn("Intent gate failed, denying directive",
			"error", err,
			"permissionLevel", permissionLevel,
			"taskType", p.Directive.TaskType)
		allowed = false
	}
	if !allowed {
		return Decision{Text: p.Text + PermissionWarning, Denied: true}
	}
	return Decision{Text: p.Text, Directive: p.Directive}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Gate = ThresholdGate{}
	_ Gate = (*RegoGate)(nil)
)
