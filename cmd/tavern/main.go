// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tavern runs the TRPG chat assistant and its companion tools.
//
// # Usage
//
//	tavern serve --config tavern.yaml
//	tavern chat --server http://localhost:1478 --group 1234 --user-id 7 --user-name Ayla
//	tavern ingest ./data/spells.json --category spell
//
// # Environment Variables
//
//   - TAVERN_CONFIG: YAML config path for serve and ingest
//   - TAVERN_LOG_LEVEL: debug, info, warn or error (default: info)
//   - TAVERN_LOG_DIR: also write JSON logs to this directory
//   - TAVERN_SERVER_URL: chat server address (default: http://localhost:1478)
//   - TAVERN_API_TOKEN: bearer token sent by chat and required by serve
//   - TAVERN_PERSONALITY: full, minimal or machine output
//
// serve also reads the variables documented on orchestrator.LoadConfig.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
