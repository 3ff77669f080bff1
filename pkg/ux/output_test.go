// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestPrinter(level PersonalityLevel) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut).WithLevel(level), &out, &errOut
}

// ============================================================================
// Personality Tests
// ============================================================================

func TestParsePersonalityLevel(t *testing.T) {
	assert.Equal(t, PersonalityFull, ParsePersonalityLevel("FULL"))
	assert.Equal(t, PersonalityMinimal, ParsePersonalityLevel("min"))
	assert.Equal(t, PersonalityMachine, ParsePersonalityLevel(" quiet "))
	assert.Equal(t, PersonalityMinimal, ParsePersonalityLevel("sparkly"))
}

func TestDetectLevel(t *testing.T) {
	assert.Equal(t, PersonalityMachine, detectLevel("", false), "pipes get machine output")
	assert.Equal(t, PersonalityFull, detectLevel("", true))
	assert.Equal(t, PersonalityMinimal, detectLevel("minimal", false), "env wins")
}

func TestSetPersonalityLevel(t *testing.T) {
	orig := GetPersonalityLevel()
	defer SetPersonalityLevel(orig)

	SetPersonalityLevel(PersonalityMachine)
	assert.Equal(t, PersonalityMachine, NewPrinter(nil, nil).Level())
}

// ============================================================================
// Printer Tests
// ============================================================================

func TestPrinter_MachineOutput(t *testing.T) {
	p, out, errOut := newTestPrinter(PersonalityMachine)

	p.Title("ignored")
	p.Success("cleared")
	p.Warning("slow")
	p.Error("down")
	p.Info("plain")
	p.Reply("Rules Helper", "Fireball deals 8d6.", ReplyMeta{
		RetrievalUsed: true, Category: "spell", Confidence: 0.92,
		Directive: "cron 0 9 * * *",
	})

	assert.Equal(t,
		"OK: cleared\nplain\nREPLY: Fireball deals 8d6.\nRETRIEVAL: category=spell confidence=0.92\nDIRECTIVE: cron 0 9 * * *\n",
		out.String())
	assert.Equal(t, "WARN: slow\nERROR: down\n", errOut.String())
}

func TestPrinter_ReplyFull(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityFull)

	p.Reply("Rules Helper", "Roll initiative.", ReplyMeta{
		RetrievalUsed: true, Category: "rule", Confidence: 0.8, Sources: []string{"Initiative"},
	})

	s := out.String()
	assert.Contains(t, s, "Rules Helper")
	assert.Contains(t, s, "Roll initiative.")
	assert.Contains(t, s, "rules reference: rule (80%)")
	assert.Contains(t, s, "Initiative")
}

func TestPrinter_ReplyMinimalWithoutMeta(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMinimal)

	p.Reply("GM", "Hello.", ReplyMeta{})

	assert.Contains(t, out.String(), "Hello.")
	assert.NotContains(t, out.String(), "rules reference")
	assert.NotContains(t, out.String(), "╭", "minimal output has no box")
}

func TestPrinter_KeyValuesSorted(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMachine)

	p.KeyValues(map[string]string{"weaviate": "ok", "api": "healthy"})

	assert.Equal(t, "api=healthy\nweaviate=ok\n", out.String())
}
