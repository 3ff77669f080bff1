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
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultPersonaID is the persona every unbound conversation uses.
const DefaultPersonaID = "default"

var personaIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validatePersonaID accepts ASCII letters, digits, underscore and hyphen.
func validatePersonaID(fl validator.FieldLevel) bool {
	return personaIDPattern.MatchString(fl.Field().String())
}

// Persona is a named system-prompt template.
type Persona struct {
	ID          string `json:"id" yaml:"id" validate:"required,notblank,personaid,max=64"`
	Name        string `json:"name" yaml:"name" validate:"required,notblank,max=128"`
	Description string `json:"description" yaml:"description" validate:"required,notblank"`
}

// Normalize trims surrounding whitespace from every field.
func (p *Persona) Normalize() {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
}

// Validate checks the definition.
//
// # Outputs
//
//   - error: *Error of KindInvalidArgument naming the first bad field, or nil.
func (p *Persona) Validate() error {
	if err := turnValidate.Struct(p); err != nil {
		return WrapError(KindInvalidArgument, "add_persona", describeValidation(err), err)
	}
	return nil
}

// SetPersonaRequest is the body of PUT /conversations/:conversationId/persona.
type SetPersonaRequest struct {
	PersonaID string `json:"persona_id" binding:"required"`
}

// PersonaListResponse is returned by GET /personas.
type PersonaListResponse struct {
	Personas        []Persona `json:"personas"`
	ActivePersonaID string    `json:"active_persona_id"`
	ConversationID  string    `json:"conversation_id"`
}
