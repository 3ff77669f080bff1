// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures shared by the tavern services.
//
// This file holds the conversation message model. Request and response
// bodies live in turn.go and persona.go.
package datatypes

import "strings"

// Message roles accepted by the completion service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Identity names the author of a user turn.
//
// # Description
//
// Identity is rendered as a bracketed tag in front of stored user content so
// the model can tell speakers apart in shared conversations. DisplayName is
// optional; UserID alone still produces a tag.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"user_name"`
}

// IsZero reports whether the identity carries nothing worth tagging.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.UserID) == "" && strings.TrimSpace(i.DisplayName) == ""
}

// Tag renders the identity prefix.
//
// # Outputs
//
//   - string: "[user name(id)]: ", "[user id]: ", "[user name]: " or "" when zero.
func (i Identity) Tag() string {
	id := strings.TrimSpace(i.UserID)
	name := strings.TrimSpace(i.DisplayName)
	switch {
	case name != "" && id != "":
		return "[user " + name + "(" + id + ")]: "
	case id != "":
		return "[user " + id + "]: "
	case name != "":
		return "[user " + name + "]: "
	default:
		return ""
	}
}
