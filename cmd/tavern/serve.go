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
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/tavern/services/orchestrator"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := orchestrator.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("Starting tavern",
		"addr", cfg.Addr(),
		"model", cfg.LLM.Model,
		"weaviateConfigured", cfg.Weaviate.URL != "",
		"personaBackend", cfg.Persona.Backend,
		"intentGate", cfg.Intent.Gate,
		"authEnabled", cfg.Server.APIToken != "")

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
