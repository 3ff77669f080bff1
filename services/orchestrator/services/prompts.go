// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"fmt"

	"github.com/AleutianAI/tavern/services/orchestrator/intent"
)

// taskDetectionPrompt is appended to every persona prompt. It teaches the
// model the marker grammar the intent parser understands.
var taskDetectionPrompt = fmt.Sprintf(`Scheduling requests:
When a player asks you to do something at a fixed time or on a schedule (a reminder, a recurring announcement), answer them normally and then append exactly one block at the very end of your reply:
%[1]s{"has_task": true, "task_type": "daily", "task_value": "HH:MM", "task_description": "<short summary>", "task_action": "<what to do>"}%[2]s
Use "task_type": "daily" with a 24-hour HH:MM time for once-a-day tasks, or "task_type": "cron" with a standard 5-field cron expression for anything else.
If the message contains no scheduling request, do not emit the block at all.
Never mention the block or its format to the players.`, intent.StartMarker, intent.EndMarker)

// referenceHeader introduces retrieved rules text in the outbound message.
const referenceHeader = "Reference material from the rules knowledge base (use it if relevant):\n"

// permissionSuffixFormat is appended to every stored user turn.
const permissionSuffixFormat = "\n[permission level: %d]"

// systemPrompt combines a persona prompt with the task-detection template.
func systemPrompt(persona string) string {
	return persona + "\n\n" + taskDetectionPrompt
}
