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
	"errors"
	"testing"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingGate struct{}

func (failingGate) Allow(context.Context, int, *datatypes.Directive) (bool, error) {
	return false, errors.New("policy store offline")
}

func dailyParsed() Parsed {
	return Parsed{
		Text:      "Sure.",
		Directive: &datatypes.Directive{HasTask: true, TaskType: datatypes.TaskTypeDaily, TaskValue: "08:00"},
	}
}

func TestThresholdGate(t *testing.T) {
	gate := ThresholdGate{Min: DefaultPermissionThreshold}
	ctx := context.Background()

	ok, err := gate.Allow(ctx, 10, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = gate.Allow(ctx, 60, nil)
	assert.True(t, ok)

	ok, _ = gate.Allow(ctx, 100, nil)
	assert.True(t, ok)
}

func TestRegoGate_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	gate, err := NewRegoGate(ctx, "", DefaultPermissionThreshold)
	require.NoError(t, err)

	daily := &datatypes.Directive{HasTask: true, TaskType: datatypes.TaskTypeDaily}

	ok, err := gate.Allow(ctx, 10, daily)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = gate.Allow(ctx, 60, daily)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Allow(ctx, 90, &datatypes.Directive{HasTask: true, TaskType: "weekly"})
	require.NoError(t, err)
	assert.False(t, ok, "unknown task types are denied")
}

func TestRegoGate_CustomPolicy(t *testing.T) {
	policy := `package tavern.intent

allow if input.permission_level == 42
`
	ctx := context.Background()
	gate, err := NewRegoGate(ctx, policy, 0)
	require.NoError(t, err)

	ok, _ := gate.Allow(ctx, 42, nil)
	assert.True(t, ok)

	// Undefined result denies.
	ok, err = gate.Allow(ctx, 43, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRegoGate_InvalidPolicy(t *testing.T) {
	_, err := NewRegoGate(context.Background(), "package broken\nallow if {", 60)
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	gate := ThresholdGate{Min: DefaultPermissionThreshold}

	t.Run("no directive passes through", func(t *testing.T) {
		d := Apply(ctx, gate, 0, Parsed{Text: "plain"})
		assert.Equal(t, Decision{Text: "plain"}, d)
	})

	t.Run("denied appends warning", func(t *testing.T) {
		d := Apply(ctx, gate, 10, dailyParsed())
		assert.True(t, d.Denied)
		assert.Nil(t, d.Directive)
		assert.Equal(t, "Sure."+PermissionWarning, d.Text)
	})

	t.Run("allowed keeps directive", func(t *testing.T) {
		d := Apply(ctx, gate, 60, dailyParsed())
		assert.False(t, d.Denied)
		require.NotNil(t, d.Directive)
		assert.Equal(t, "Sure.", d.Text)
	})

	t.Run("gate error fails closed", func(t *testing.T) {
		d := Apply(ctx, failingGate{}, 100, dailyParsed())
		assert.True(t, d.Denied)
		assert.Nil(t, d.Directive)
	})
}
