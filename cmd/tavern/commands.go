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
	"log/slog"
	"os"

	"github.com/AleutianAI/tavern/pkg/logging"
	"github.com/AleutianAI/tavern/pkg/ux"
	"github.com/spf13/cobra"
)

var (
	// Persistent flags
	configPath  string
	logLevel    string
	logDir      string
	personality string

	// chat flags
	serverURL string
	apiToken  string
	groupID   string
	userID    string
	userName  string
	permLevel int

	// ingest flags
	ingestCategory    string
	ingestChunkSize   int
	ingestOverlap     int
	ingestBatchSize   int
	ingestConcurrency int

	// logger is closed by PersistentPostRun.
	logger *logging.Logger
)

var (
	rootCmd = &cobra.Command{
		Use:   "tavern",
		Short: "A retrieval-augmented chat assistant for tabletop RPG groups",
		Long: `tavern serves a conversational assistant that answers rules questions
from an indexed knowledge base, keeps per-group conversation history,
and speaks in a configurable persona.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in serve.go
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running server from the terminal",
		Long: `Reads messages from stdin and sends each as a turn.

Commands:
  clear    clear this conversation's history
  status   check the server's health
  help     show this help
  exit     leave (also Ctrl-D)`,
		Args: cobra.NoArgs,
		RunE: runChat, // Defined in chat.go
	}

	ingestCmd = &cobra.Command{
		Use:     "ingest [file or directory...]",
		Short:   "Chunk, embed and index rules documents",
		Aliases: []string{"i"},
		Args:    cobra.MinimumNArgs(1),
		RunE:    runIngest, // Defined in ingest.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TAVERN_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("TAVERN_LOG_LEVEL", "info"), "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", os.Getenv("TAVERN_LOG_DIR"), "also write JSON logs to this directory")
	rootCmd.PersistentFlags().StringVar(&personality, "personality", os.Getenv(ux.PersonalityEnv), "output style: full, minimal or machine")

	chatCmd.Flags().StringVar(&serverURL, "server", envOr("TAVERN_SERVER_URL", "http://localhost:1478"), "server address")
	chatCmd.Flags().StringVar(&apiToken, "token", os.Getenv("TAVERN_API_TOKEN"), "API bearer token")
	chatCmd.Flags().StringVar(&groupID, "group", "", "group id; empty chats in the private conversation")
	chatCmd.Flags().StringVar(&userID, "user-id", "", "your user id")
	chatCmd.Flags().StringVar(&userName, "user-name", envOr("USER", ""), "your display name")
	chatCmd.Flags().IntVar(&permLevel, "permission", 0, "permission level sent with each turn (0-100)")

	ingestCmd.Flags().StringVar(&ingestCategory, "category", "", "category for documents that carry none")
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "chunk size in characters (default 2000)")
	ingestCmd.Flags().IntVar(&ingestOverlap, "chunk-overlap", 200, "characters shared by adjacent chunks")
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 0, "chunks per embedding call (default 64)")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "parallel batches (default 4)")

	rootCmd.AddCommand(serveCmd, chatCmd, ingestCmd)
}

// setup configures logging and output style for every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}

	// serve logs JSON for collectors; the interactive tools log text.
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "tavern-" + cmd.Name(),
		JSON:    cmd.Name() == "serve",
	})
	slog.SetDefault(logger.Slog())

	if personality != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personality))
	} else {
		ux.InitPersonality()
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
