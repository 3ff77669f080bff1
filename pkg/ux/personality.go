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
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines how rich CLI output is.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons and boxed replies.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses icons and no boxes.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs plain prefixed lines for scripting.
	PersonalityMachine PersonalityLevel = "machine"
)

// PersonalityEnv overrides terminal detection.
const PersonalityEnv = "TAVERN_PERSONALITY"

var (
	currentLevel  = PersonalityFull
	personalityMu sync.RWMutex
)

// GetPersonalityLevel returns the current level.
func GetPersonalityLevel() PersonalityLevel {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentLevel
}

// SetPersonalityLevel updates the current level.
func SetPersonalityLevel(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentLevel = level
}

// ParsePersonalityLevel converts a string to a level. Unknown values map
// to PersonalityMinimal.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return PersonalityFull
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityMinimal
	}
}

// InitPersonality picks the level from TAVERN_PERSONALITY, falling back to
// machine output when stdout is not a terminal.
func InitPersonality() {
	SetPersonalityLevel(detectLevel(os.Getenv(PersonalityEnv), isTerminal(os.Stdout)))
}

func detectLevel(env string, terminal bool) PersonalityLevel {
	if env != "" {
		return ParsePersonalityLevel(env)
	}
	if !terminal {
		return PersonalityMachine
	}
	return PersonalityFull
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether stdin is a terminal, which decides whether
// the chat client prints a prompt.
func IsInteractive() bool {
	return isTerminal(os.Stdin)
}
