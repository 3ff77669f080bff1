// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the tavern CLI.
package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Tavern palette: candlelight ambers over dark wood.
var (
	ColorAmber     = lipgloss.Color("#F2A541")
	ColorEmber     = lipgloss.Color("#D9662B")
	ColorParchment = lipgloss.Color("#EADBC8")
	ColorOak       = lipgloss.Color("#6B4F3A")
	ColorMoss      = lipgloss.Color("#7FA36B")

	ColorSuccess = ColorMoss
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = ColorOak
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Speaker   lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	ReplyBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAmber),
	Speaker:   lipgloss.NewStyle().Bold(true).Foreground(ColorEmber),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorParchment).Bold(true),

	ReplyBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorOak).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
	IconScroll  Icon = "📜"
)

// Render returns the icon with its status color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// ReplyMeta carries the turn details shown under a reply.
type ReplyMeta struct {
	RetrievalUsed bool
	Category      string
	Confidence    float64
	Sources       []string

	// Directive is a one-line summary of a scheduling directive, or "".
	Directive string
}

// Printer renders CLI output at a fixed personality level.
//
// Normal output goes to out; warnings and errors at the machine level go
// to errOut so scripts can separate them.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	level  PersonalityLevel
	width  int
}

// NewPrinter creates a Printer using the current personality level.
func NewPrinter(out, errOut io.Writer) *Printer {
	return &Printer{out: out, errOut: errOut, level: GetPersonalityLevel(), width: 72}
}

// WithLevel returns a copy of p at level.
func (p *Printer) WithLevel(level PersonalityLevel) *Printer {
	cp := *p
	cp.level = level
	return &cp
}

// Level returns the printer's personality level.
func (p *Printer) Level() PersonalityLevel {
	return p.level
}

// Title prints a styled heading. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.level == PersonalityMachine {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a message with a check mark.
func (p *Printer) Success(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), text)
	}
}

// Warning prints a warning.
func (p *Printer) Warning(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.errOut, "WARN: %s\n", text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error.
func (p *Printer) Error(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.errOut, "ERROR: %s\n", text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.level == PersonalityMachine {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Reply prints an assistant reply from speaker with its metadata.
func (p *Printer) Reply(speaker, text string, meta ReplyMeta) {
	if p.level == PersonalityMachine {
		fmt.Fprintf(p.out, "REPLY: %s\n", text)
		if meta.RetrievalUsed {
			fmt.Fprintf(p.out, "RETRIEVAL: category=%s confidence=%.2f\n", meta.Category, meta.Confidence)
		}
		if meta.Directive != "" {
			fmt.Fprintf(p.out, "DIRECTIVE: %s\n", meta.Directive)
		}
		return
	}

	body := Styles.Speaker.Render(speaker) + "\n" + text
	if p.level == PersonalityFull {
		fmt.Fprintln(p.out, Styles.ReplyBox.Width(p.width).Render(body))
	} else {
		fmt.Fprintln(p.out, body)
	}

	if meta.RetrievalUsed {
		line := fmt.Sprintf("%s rules reference: %s (%.0f%%)", IconScroll, meta.Category, meta.Confidence*100)
		if len(meta.Sources) > 0 {
			line += " · " + strings.Join(meta.Sources, ", ")
		}
		fmt.Fprintln(p.out, Styles.Muted.Render(line))
	}
	if meta.Directive != "" {
		fmt.Fprintf(p.out, "%s %s\n", IconBullet.Render(), Styles.Highlight.Render(meta.Directive))
	}
}

// KeyValues prints sorted key/value pairs, one per line.
func (p *Printer) KeyValues(pairs map[string]string) {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if p.level == PersonalityMachine {
			fmt.Fprintf(p.out, "%s=%s\n", k, pairs[k])
			continue
		}
		fmt.Fprintf(p.out, "  %s %s\n", Styles.Muted.Render(k+":"), pairs[k])
	}
}
