// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Handler regexes. The query handler must fire on the question shapes
// the action parser is guarded against, so the two stay complementary.
var (
	howManyRe     = regexp.MustCompile(`(?i)\bhow\s+(many|much)\s+(.+?)\s+(?:does|do|did)\s+(\S+)\s+(?:have|has|own|owns)\b`)
	howManySelfRe = regexp.MustCompile(`(?i)\bhow\s+(many|much)\s+(.+?)\s+(?:do|did)\s+(i|me)\s+(?:have|own)\b`)
	inventoryRe   = regexp.MustCompile(`(?i)\bwhat(?:'s| is)\s+(?:in\s+)?(\S+?)(?:'s)?\s+inventory\b|\bshow\s+(?:me\s+)?(\S+?)(?:'s)?\s+(?:inventory|items)\b`)
	possessiveRe  = regexp.MustCompile(`(?i)\bwhat\s+(.+?)\s+(?:does|did)\s+(\S+)\s+(?:have|has|own)\b`)
	stateWordRe   = regexp.MustCompile(`(?i)\b(gold|coins?|inventory|items?|balance|gp)\b`)
	mentionAnyRe  = regexp.MustCompile(`<@!?\d+>|@[\w\-]+`)

	setStateRe = regexp.MustCompile(`(?i)\b(?:i\s+(?:now\s+)?have|keep\s+track\s+of\s+me\s+having|set\s+my)\s+(\d+)\s+([\w\s\-']+?)\s*$`)
	setOtherRe = regexp.MustCompile(`(?i)\b(<@!?\d+>|@[\w\-]+)\s+(?:now\s+)?has\s+(\d+)\s+([\w\s\-']+?)\s*$`)

	selfRefRe  = regexp.MustCompile(`(?i)^(i|me|my|myself)$`)
	fillerRe   = regexp.MustCompile(`(?i)\b(the|a|an|some|any|of|his|her|their|my)\b`)
	pureGoldRe = regexp.MustCompile(`(?i)^\s*(gold|gp|coins?|money)\s*$`)
)

// StateAnswer is a handler's short-circuit result.
type StateAnswer struct {
	Answer       string
	TargetUserID string
	IsQuery      bool
}

// Handlers owns the regex-plus-context state query and set paths.
type Handlers struct {
	ledger  *Ledger
	tracker *ItemTracker
}

// NewHandlers wires the two short-circuit handlers.
func NewHandlers(ledger *Ledger, tracker *ItemTracker) *Handlers {
	return &Handlers{ledger: ledger, tracker: tracker}
}

// HandleQuery answers "how many X does Y have?" style questions. Returns
// nil when the message is not a state query, letting the orchestrator
// fall through to retrieval.
func (h *Handlers) HandleQuery(ctx context.Context, text string, actx ActionContext) *StateAnswer {
	target, rawItem, matched := h.matchQuery(text, actx)
	if !matched {
		return nil
	}

	if rawItem == "" || strings.Contains(strings.ToLower(rawItem), "inventory") {
		return h.inventoryAnswer(target)
	}
	rawItem = cleanItemPhrase(rawItem)
	if rawItem == "" {
		return h.inventoryAnswer(target)
	}

	var name string
	var qty int
	if pureGoldRe.MatchString(rawItem) {
		// Currency path skips normalization; all aliases share key "gold".
		name, qty = "gold", int(h.ledger.GetNumber(target, "gold"))
	} else {
		name, qty = h.tracker.Quantity(ctx, target, rawItem)
	}
	return &StateAnswer{
		Answer:       fmt.Sprintf("%s has %d %s.", displayUser(target), qty, pluralize(name, qty)),
		TargetUserID: target,
		IsQuery:      true,
	}
}

// matchQuery tries each question template and the mention+keyword
// fallback, returning the resolved target user and the raw item phrase.
func (h *Handlers) matchQuery(text string, actx ActionContext) (target, rawItem string, matched bool) {
	if m := howManySelfRe.FindStringSubmatch(text); m != nil {
		return actx.AskingUserID, m[2], true
	}
	if m := howManyRe.FindStringSubmatch(text); m != nil {
		return h.resolveTarget(m[3], actx), m[2], true
	}
	if m := inventoryRe.FindStringSubmatch(text); m != nil {
		who := m[1]
		if who == "" {
			who = m[2]
		}
		return h.resolveTarget(who, actx), "", true
	}
	if m := possessiveRe.FindStringSubmatch(text); m != nil {
		return h.resolveTarget(m[2], actx), m[1], true
	}
	// Fallback: a mention plus state keywords in a question.
	if mentionAnyRe.MatchString(text) && stateWordRe.MatchString(text) && strings.Contains(text, "?") {
		mention := mentionAnyRe.FindString(text)
		item := stateWordRe.FindString(text)
		return h.resolveTarget(mention, actx), item, true
	}
	return "", "", false
}

// resolveTarget maps a textual reference to a user id. An explicit self
// reference beats everything; a front-end-provided mentioned id beats a
// name parsed out of the text.
func (h *Handlers) resolveTarget(ref string, actx ActionContext) string {
	ref = strings.TrimSpace(ref)
	if selfRefRe.MatchString(ref) {
		return actx.AskingUserID
	}
	return ResolveMention(ref, actx.MentionedUserID)
}

func (h *Handlers) inventoryAnswer(target string) *StateAnswer {
	items := h.tracker.UserItems(target)
	if len(items) == 0 {
		return &StateAnswer{
			Answer:       fmt.Sprintf("%s has nothing tracked yet.", displayUser(target)),
			TargetUserID: target,
			IsQuery:      true,
		}
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%d %s", item.Quantity, pluralize(item.Name, item.Quantity)))
	}
	return &StateAnswer{
		Answer:       fmt.Sprintf("%s has: %s.", displayUser(target), strings.Join(parts, ", ")),
		TargetUserID: target,
		IsQuery:      true,
	}
}

// HandleSet answers "I have N gold" style declarations. Returns nil when
// the message is not a state set.
func (h *Handlers) HandleSet(ctx context.Context, text string, actx ActionContext) (*StateAnswer, error) {
	meta := WriteMeta{Actor: actx.AskingUserID, Channel: actx.ChannelID, Reason: "state_set"}

	if m := setStateRe.FindStringSubmatch(text); m != nil {
		qty, _ := strconv.Atoi(m[1])
		name, err := h.tracker.SetQuantity(ctx, actx.AskingUserID, cleanItemPhrase(m[2]), qty, meta)
		if err != nil {
			return nil, err
		}
		return &StateAnswer{
			Answer:       fmt.Sprintf("Got it. %s now has %d %s.", displayUser(actx.AskingUserID), qty, pluralize(name, qty)),
			TargetUserID: actx.AskingUserID,
		}, nil
	}
	if m := setOtherRe.FindStringSubmatch(text); m != nil {
		target := ResolveMention(m[1], actx.MentionedUserID)
		qty, _ := strconv.Atoi(m[2])
		name, err := h.tracker.SetQuantity(ctx, target, cleanItemPhrase(m[3]), qty, meta)
		if err != nil {
			return nil, err
		}
		return &StateAnswer{
			Answer:       fmt.Sprintf("Got it. %s now has %d %s.", displayUser(target), qty, pluralize(name, qty)),
			TargetUserID: target,
		}, nil
	}
	return nil, nil
}

// cleanItemPhrase strips mentions and filler words from an item phrase.
func cleanItemPhrase(s string) string {
	s = mentionAnyRe.ReplaceAllString(s, " ")
	s = fillerRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// pluralize applies naive English pluralization; canonical item names
// are singular by construction.
func pluralize(name string, qty int) string {
	if qty == 1 || name == "" || name == "gold" {
		return name
	}
	if strings.HasSuffix(name, "s") || strings.HasSuffix(name, "x") ||
		strings.HasSuffix(name, "ch") || strings.HasSuffix(name, "sh") {
		return name + "es"
	}
	return name + "s"
}

// displayUser renders a user id as a mention when it is numeric.
func displayUser(userID string) string {
	if userID == "" {
		return "unknown user"
	}
	for _, r := range userID {
		if r < '0' || r > '9' {
			return userID
		}
	}
	return "<@" + userID + ">"
}
