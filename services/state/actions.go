// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/quartermaster-ai/quartermaster/pkg/modeljson"
	"github.com/quartermaster-ai/quartermaster/services/llm"
)

// Action verbs the parser recognizes. Only the mutating verbs are
// executable; "query" and "unknown" never touch state.
const (
	ActionGive     = "give"
	ActionTake     = "take"
	ActionTransfer = "transfer"
	ActionSet      = "set"
	ActionAdd      = "add"
	ActionRemove   = "remove"
	ActionSend     = "send"
	ActionQuery    = "query"
	ActionUnknown  = "unknown"
)

// ExecutionThreshold is the minimum parser confidence for a parsed
// action to be executed.
const ExecutionThreshold = 0.6

// ParsedAction is the parser's structured reading of an utterance.
type ParsedAction struct {
	Action       string         `json:"action"`
	ItemName     string         `json:"item_name"`
	Quantity     int            `json:"quantity"`
	SourceUserID string         `json:"source_user_id"`
	DestUserID   string         `json:"dest_user_id"`
	ItemType     string         `json:"item_type,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	Confidence   float64        `json:"confidence"`
	OriginalText string         `json:"original_text"`
}

// DestUserIDOr returns the destination user id, or fallback when the
// parser extracted none.
func (p ParsedAction) DestUserIDOr(fallback string) string {
	if p.DestUserID != "" {
		return p.DestUserID
	}
	return fallback
}

// Executable reports whether the parse clears the confidence gate and
// names a mutating verb.
func (p ParsedAction) Executable() bool {
	if p.Confidence < ExecutionThreshold {
		return false
	}
	switch p.Action {
	case ActionGive, ActionTake, ActionTransfer, ActionSet, ActionAdd, ActionRemove, ActionSend:
		return true
	}
	return false
}

// ActionContext carries the ambient identities of the utterance.
type ActionContext struct {
	AskingUserID    string
	ChannelID       string
	MentionedUserID string
}

var (
	// infoQuestionRe guards against mutating on information-seeking
	// questions that merely mention transfers.
	infoQuestionRe = regexp.MustCompile(`(?i)\b(how\s+(many|much)|what|who|when|where|did|does|do)\b.*\b(have|has|own|owns|had|get|got)\b`)

	mentionIDRe  = regexp.MustCompile(`<@!?(\d+)>`)
	bareNameRe   = regexp.MustCompile(`@([A-Za-z][\w\-]*)`)
	giveActionRe = regexp.MustCompile(`(?i)^\s*(give|send|transfer)\s+(?:(\d+)\s+)?([\w\s\-']+?)\s+to\s+(<@!?\d+>|@[\w\-]+)\s*$`)
	takeActionRe = regexp.MustCompile(`(?i)^\s*(take|remove)\s+(?:(\d+)\s+)?([\w\s\-']+?)\s+from\s+(<@!?\d+>|@[\w\-]+)\s*$`)
)

// IsInformationQuestion reports whether text is a question about state
// rather than a request to change it.
func IsInformationQuestion(text string) bool {
	return infoQuestionRe.MatchString(text)
}

// ActionParser turns a free-form utterance into a ParsedAction with a
// regex fast path and an LLM fallback.
type ActionParser struct {
	completion llm.CompletionClient
}

// NewActionParser builds a parser.
func NewActionParser(completion llm.CompletionClient) *ActionParser {
	return &ActionParser{completion: completion}
}

const actionParsePrompt = `Extract the state-changing action from the message, if any. Reply with ONLY JSON:
{"action":"give|take|transfer|set|add|remove|send|query|unknown","item_name":"...","quantity":1,"source_user_id":"","dest_user_id":"","item_type":"","confidence":0.0-1.0}
Questions asking about amounts are action "query". If no action, use "unknown" with low confidence.`

// Parse reads an action out of the utterance. Information questions are
// returned as a zero-confidence query without consulting the model.
func (p *ActionParser) Parse(ctx context.Context, text string, actx ActionContext) ParsedAction {
	_, span := stateTracer.Start(ctx, "state.parse_action")
	defer span.End()

	if IsInformationQuestion(text) {
		return ParsedAction{Action: ActionQuery, Confidence: 0, OriginalText: text}
	}

	if parsed, ok := p.parseWithRules(text, actx); ok {
		return parsed
	}
	return p.parseWithModel(ctx, text, actx)
}

// parseWithRules handles the canonical "give N item to @user" and
// "take N item from @user" shapes without a model call.
func (p *ActionParser) parseWithRules(text string, actx ActionContext) (ParsedAction, bool) {
	if m := giveActionRe.FindStringSubmatch(text); m != nil {
		return ParsedAction{
			Action:       ActionGive,
			Quantity:     parseQuantity(m[2]),
			ItemName:     strings.TrimSpace(m[3]),
			SourceUserID: actx.AskingUserID,
			DestUserID:   ResolveMention(m[4], actx.MentionedUserID),
			Confidence:   0.95,
			OriginalText: text,
		}, true
	}
	if m := takeActionRe.FindStringSubmatch(text); m != nil {
		return ParsedAction{
			Action:       ActionTake,
			Quantity:     parseQuantity(m[2]),
			ItemName:     strings.TrimSpace(m[3]),
			SourceUserID: ResolveMention(m[4], actx.MentionedUserID),
			DestUserID:   actx.AskingUserID,
			Confidence:   0.95,
			OriginalText: text,
		}, true
	}
	return ParsedAction{}, false
}

func (p *ActionParser) parseWithModel(ctx context.Context, text string, actx ActionContext) ParsedAction {
	unknown := ParsedAction{Action: ActionUnknown, Quantity: 1, Confidence: 0, OriginalText: text}

	var sb strings.Builder
	sb.WriteString("Message: ")
	sb.WriteString(text)
	sb.WriteString("\nAsking user id: ")
	sb.WriteString(actx.AskingUserID)
	if actx.MentionedUserID != "" {
		sb.WriteString("\nMentioned user id: ")
		sb.WriteString(actx.MentionedUserID)
	}

	out, err := p.completion.Complete(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: actionParsePrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}, llm.GenerationParams{Temperature: 0, MaxTokens: 200})
	if err != nil {
		slog.Debug("action parse model call failed", "error", err)
		return unknown
	}

	var parsed ParsedAction
	if err := modeljson.Unmarshal(out, &parsed); err != nil {
		slog.Debug("action parse output unparseable", "error", err)
		return unknown
	}
	parsed.OriginalText = text
	if parsed.Quantity <= 0 {
		parsed.Quantity = 1
	}
	if parsed.SourceUserID == "" {
		parsed.SourceUserID = actx.AskingUserID
	}
	// An upstream mentioned id beats whatever the model extracted.
	parsed.DestUserID = ResolveMention(parsed.DestUserID, actx.MentionedUserID)
	parsed.SourceUserID = ResolveMention(parsed.SourceUserID, "")
	return parsed
}

// ResolveMention converts "<@123>", "<@!123>", or "@name" into a user id.
// A non-empty preferred id (supplied by the chat front-end) always wins
// over a name parsed from text, because names are ambiguous.
func ResolveMention(ref, preferred string) string {
	if preferred != "" {
		return preferred
	}
	ref = strings.TrimSpace(ref)
	if m := mentionIDRe.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	if m := bareNameRe.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	return ref
}

func parseQuantity(s string) int {
	if s == "" {
		return 1
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return 1
}
