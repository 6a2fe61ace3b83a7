package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/util"
)

// Words that mark a message as depending on earlier turns: referring
// pronouns plus back-reference keywords. Matched on word boundaries.
var followUpWords = map[string]bool{
	"it": true, "its": true, "they": true, "them": true, "their": true,
	"he": true, "she": true, "his": true, "her": true, "him": true,
	"this": true, "that": true, "these": true, "those": true, "one": true,
	"previous": true, "earlier": true, "above": true, "again": true,
	"also": true, "else": true, "instead": true,
}

var followUpPhrases = []string{
	"what about", "how about", "and the", "same for", "tell me more",
	"more detail", "go on",
}

// looksLikeFollowUp reports whether a message probably refers back to the
// conversation: very short, carries a referring pronoun or back-reference
// word, or uses a follow-up phrase. Messages opening a conversation never
// count.
func looksLikeFollowUp(message string, historyLen int) bool {
	if historyLen == 0 {
		return false
	}
	words := strings.Fields(message)
	if len(words) <= 5 {
		return true
	}
	for _, tok := range util.TokenizeAll(message) {
		if followUpWords[tok] {
			return true
		}
	}
	lower := strings.ToLower(message)
	for _, phrase := range followUpPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

const condenseSystem = "You rewrite follow-up messages as standalone questions. Output only the rewritten question."

const condensePrompt = `Given the conversation below and a follow-up message, rewrite the follow-up as a standalone question that includes all context needed to answer it.

Conversation:
%s

Follow-up: %s

Standalone question:`

// condense rewrites a follow-up into a standalone retrieval query. Any
// LLM failure falls back to the original message.
func (e *Engine) condense(ctx context.Context, history []models.ConversationMessage, message string) string {
	var b strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	reply, err := e.llm.CompleteText(ctx, condenseSystem, fmt.Sprintf(condensePrompt, b.String(), message))
	if err != nil {
		e.logger.Warn("condense failed, retrieving with original message", zap.Error(err))
		return message
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return message
	}
	return reply
}
