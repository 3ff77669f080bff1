// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/tavern/pkg/client"
	"github.com/AleutianAI/tavern/pkg/ux"
	"github.com/AleutianAI/tavern/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

// chatAPI is the subset of *client.Client the chat loop uses.
type chatAPI interface {
	Chat(ctx context.Context, req datatypes.TurnRequest) (*datatypes.TurnResult, error)
	ClearHistory(ctx context.Context, conversationID string) error
	Health(ctx context.Context) (*client.HealthStatus, error)
}

var _ chatAPI = (*client.Client)(nil)

// chatSession holds one terminal user's identity and target conversation.
type chatSession struct {
	api            chatAPI
	printer        *ux.Printer
	conversationID string
	userID         string
	userName       string
	permission     int
	maxRunes       int
}

func runChat(cmd *cobra.Command, args []string) error {
	c, err := client.New(client.Config{BaseURL: serverURL, Token: apiToken})
	if err != nil {
		return err
	}

	s := &chatSession{
		api:            c,
		printer:        ux.NewPrinter(os.Stdout, os.Stderr),
		conversationID: client.ConversationID(groupID),
		userID:         userID,
		userName:       userName,
		permission:     permLevel,
		maxRunes:       datatypes.DefaultMaxMessageRunes,
	}
	if s.userID == "" {
		s.userID = s.userName
	}

	interactive := ux.IsInteractive()
	if interactive {
		s.printer.Title("tavern chat · " + s.conversationID)
		s.printer.Info("type a message, or help for commands")
	}
	return s.loop(cmd.Context(), os.Stdin, interactive)
}

// loop reads lines until EOF or "exit".
func (s *chatSession) loop(ctx context.Context, in io.Reader, prompt bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if prompt {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		if quit := s.handle(ctx, scanner.Text()); quit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (s *chatSession) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return false
	case "exit", "quit":
		return true
	case "help":
		s.printer.Info("clear  · clear this conversation's history")
		s.printer.Info("status · check the server")
		s.printer.Info("exit   · leave")
		return false
	case "status":
		s.status(ctx)
		return false
	case "clear":
		s.clear(ctx)
		return false
	}

	s.send(ctx, line)
	return false
}

func (s *chatSession) status(ctx context.Context) {
	h, err := s.api.Health(ctx)
	if err != nil {
		s.printer.Error("cannot reach the server: " + err.Error())
		return
	}
	if h.Healthy() {
		s.printer.Success("server is healthy")
	} else {
		s.printer.Warning("server is " + h.Status)
	}
	pairs := map[string]string{"api_configured": fmt.Sprint(h.APIConfigured)}
	for name, state := range h.Dependencies {
		pairs[name] = state
	}
	s.printer.KeyValues(pairs)
}

func (s *chatSession) clear(ctx context.Context) {
	if h, err := s.api.Health(ctx); err != nil || !h.Healthy() {
		s.printer.Error("the server is unavailable, try again later")
		return
	}
	if err := s.api.ClearHistory(ctx, s.conversationID); err != nil {
		s.printer.Error("could not clear history: " + describe(err))
		return
	}
	s.printer.Success("history cleared, start a new conversation")
}

func (s *chatSession) send(ctx context.Context, message string) {
	if n := utf8.RuneCountInString(message); n > s.maxRunes {
		s.printer.Error(fmt.Sprintf("message too long (%d characters, limit %d)", n, s.maxRunes))
		return
	}

	res, err := s.api.Chat(ctx, datatypes.TurnRequest{
		ConversationID:  s.conversationID,
		UserID:          s.userID,
		UserName:        s.userName,
		Message:         message,
		PermissionLevel: s.permission,
	})
	if err != nil {
		s.printer.Error(describe(err))
		return
	}
	if !res.Success {
		s.printer.Error("reply failed: " + res.Error)
		return
	}

	meta := ux.ReplyMeta{Directive: summarizeDirective(res.Directive)}
	if r := res.Retrieval; r != nil && r.Used {
		meta.RetrievalUsed = true
		meta.Category = r.Category
		meta.Confidence = r.Confidence
		meta.Sources = r.Sources
	}
	s.printer.Reply("tavern", res.Reply, meta)
}

// describe turns a client error into a user-facing sentence.
func describe(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusBadRequest:
			return "the request was rejected: " + apiErr.Message
		case apiErr.StatusCode == http.StatusUnauthorized:
			return "the server needs an API token (--token)"
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return "too many messages, slow down"
		case apiErr.StatusCode >= 500:
			return "the assistant failed: " + apiErr.Message
		}
		return apiErr.Error()
	}
	return "cannot reach the server: " + err.Error()
}

func summarizeDirective(d *datatypes.Directive) string {
	if d == nil || !d.HasTask {
		return ""
	}
	summary := fmt.Sprintf("scheduled %s %s", d.TaskType, d.TaskValue)
	if d.TaskDescription != "" {
		summary += ": " + d.TaskDescription
	}
	return summary
}
