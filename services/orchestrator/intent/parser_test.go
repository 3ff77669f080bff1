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
	"testing"

	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_NoMarkersPassesThrough(t *testing.T) {
	raw := "The goblin flees into the woods."
	p := Parse(raw)

	assert.Equal(t, raw, p.Text)
	assert.Nil(t, p.Directive)
	assert.NoError(t, p.Err)
}

func TestParse_ValidDirective(t *testing.T) {
	raw := `Hi! [TASK_INFO]{"has_task":true,"task_type":"daily","task_value":"08:00","task_description":"Morning recap","task_action":"remind"}[/TASK_INFO]`

	p := Parse(raw)

	require.True(t, p.HasDirective())
	assert.Equal(t, "Hi!", p.Text)
	assert.Equal(t, &datatypes.Directive{
		HasTask:         true,
		TaskType:        datatypes.TaskTypeDaily,
		TaskValue:       "08:00",
		TaskDescription: "Morning recap",
		TaskAction:      "remind",
	}, p.Directive)
	assert.NoError(t, p.Err)
}

func TestParse_HasTaskFalseHidesPayload(t *testing.T) {
	p := Parse("Nothing to schedule.\n[TASK_INFO]{\"has_task\":false}[/TASK_INFO]")

	assert.Equal(t, "Nothing to schedule.", p.Text)
	assert.Nil(t, p.Directive)
	assert.NoError(t, p.Err)
}

func TestParse_StripsBareStartToken(t *testing.T) {
	p := Parse(`Done. TASK_INFO
[TASK_INFO]{"has_task":true,"task_type":"cron","task_value":"0 9 * * 1"}[/TASK_INFO]`)

	require.True(t, p.HasDirective())
	assert.Equal(t, "Done.", p.Text)
	assert.Equal(t, "0 9 * * 1", p.Directive.TaskValue)
}

func TestParse_MalformedReturnsRawUnchanged(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `Ok [TASK_INFO]{has_task: yes}[/TASK_INFO]`},
		{"trailing data", `Ok [TASK_INFO]{"has_task":false} {}[/TASK_INFO]`},
		{"bad daily", `Ok [TASK_INFO]{"has_task":true,"task_type":"daily","task_value":"25:00"}[/TASK_INFO]`},
		{"bad cron", `Ok [TASK_INFO]{"has_task":true,"task_type":"cron","task_value":"* *"}[/TASK_INFO]`},
		{"unknown type", `Ok [TASK_INFO]{"has_task":true,"task_type":"weekly","task_value":"mon"}[/TASK_INFO]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.raw)
			assert.Equal(t, tt.raw, p.Text)
			assert.Nil(t, p.Directive)
			assert.ErrorIs(t, p.Err, ErrMalformedPayload)
		})
	}
}

func TestParse_IncompleteMarkersPassThrough(t *testing.T) {
	tests := []string{
		`Only start [TASK_INFO]{"has_task":true}`,
		`Only end {"has_task":true}[/TASK_INFO]`,
		`Reversed [/TASK_INFO]{"has_task":true}[TASK_INFO]`,
	}
	for _, raw := range tests {
		p := Parse(raw)
		assert.Equal(t, raw, p.Text)
		assert.Nil(t, p.Directive)
		assert.NoError(t, p.Err)
	}
}

func TestParse_NormalizesTaskType(t *testing.T) {
	p := Parse(`x [TASK_INFO]{"has_task":true,"task_type":" Daily ","task_value":" 23:59 "}[/TASK_INFO]`)

	require.True(t, p.HasDirective())
	assert.Equal(t, datatypes.TaskTypeDaily, p.Directive.TaskType)
	assert.Equal(t, "23:59", p.Directive.TaskValue)
}

func TestIsClock(t *testing.T) {
	assert.True(t, isClock("00:00"))
	assert.True(t, isClock("23:59"))
	assert.False(t, isClock("24:00"))
	assert.False(t, isClock("12:60"))
	assert.False(t, isClock("8:00"))
	assert.False(t, isClock("ab:cd"))
}
