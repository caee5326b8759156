package policy

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/wordlist"
)

// Wordlist actions.
const (
	actionAudit  = "audit"
	actionBlock  = "block"
	actionRedact = "redact"
)

var (
	validWordlists       = []string{"profanity", "adult", "dan", wordlist.Custom}
	validWordlistActions = []string{actionAudit, actionBlock, actionRedact}
)

// listRule is one "name:action" entry of a wordlist policy value.
type listRule struct {
	name   string
	action string
}

// parseListRules splits "profanity:block,dan:redact" into rules, dropping
// entries with an unknown action or list name.
func parseListRules(value string, logger *zap.Logger) []listRule {
	if value == "" {
		return nil
	}
	var rules []listRule
	for _, entry := range strings.Split(value, ",") {
		parts := strings.Split(entry, ":")
		name := parts[0]
		action := ""
		if len(parts) > 1 {
			action = parts[1]
		}
		switch {
		case !slices.Contains(validWordlistActions, action):
			logger.Warn("invalid wordlist action", zap.String("action", action), zap.String("wordlist", name))
		case !slices.Contains(validWordlists, name):
			logger.Warn("invalid wordlist", zap.String("wordlist", name))
		default:
			rules = append(rules, listRule{name: name, action: action})
		}
	}
	return rules
}

// listScan applies rules to text fields of a JSON body and collects the
// names of matched lists in first-match order.
type listScan struct {
	matcher *wordlist.Matcher
	p       *Pipeline
	matched []string
}

// check runs one rule over the string at path and applies its action.
func (s *listScan) check(body []byte, path string, rule listRule) []byte {
	text := gjson.GetBytes(body, path).String()
	var custom []string
	if rule.name == wordlist.Custom {
		custom = s.p.Settings.CustomWordlist
	}
	res, err := s.matcher.Match(rule.name, text, custom, s.p.Settings.RedactionString)
	if err != nil {
		s.p.log().Warn("wordlist check failed", zap.String("wordlist", rule.name), zap.Error(err))
		return body
	}
	if !res.Matched {
		return body
	}
	if !slices.Contains(s.matched, rule.name) {
		s.matched = append(s.matched, rule.name)
	}
	switch rule.action {
	case actionRedact:
		if out, err := sjson.SetBytes(body, path, res.Redacted); err == nil {
			body = out
		}
	case actionBlock:
		s.p.Record.Error = true
	}
	return body
}

type requestWordlists struct {
	stage
	matcher *wordlist.Matcher
}

func (s *requestWordlists) ProcessRequest(_ context.Context, p *Pipeline, v config.Value) *api.Response {
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions) {
		return nil
	}
	rules := parseListRules(v.String(), p.log())
	if len(rules) == 0 || userContent(p.Endpoint, p.Body) == "" {
		return nil
	}

	scan := &listScan{matcher: s.matcher, p: p}
	for _, rule := range rules {
		if _, ok := stringField(gjson.GetBytes(p.Body, "prompt")); ok {
			p.Body = scan.check(p.Body, "prompt", rule)
			continue
		}
		msgs := gjson.GetBytes(p.Body, "messages")
		if !msgs.IsArray() {
			continue
		}
		for i, m := range msgs.Array() {
			if m.Get("content").Type != gjson.String {
				continue
			}
			p.Body = scan.check(p.Body, fmt.Sprintf("messages.%d.content", i), rule)
		}
	}

	if len(scan.matched) > 0 {
		p.wordlistFlag = p.Record.AddFlag("policy_wordlists", "Request matched known wordlists: "+strings.Join(scan.matched, ", "))
		p.haveWordlistFlag = true
	}
	return nil
}

type responseWordlists struct {
	stage
	matcher *wordlist.Matcher
}

func (s *responseWordlists) ProcessResponse(_ context.Context, p *Pipeline, v config.Value, resp []byte) []byte {
	if !p.Endpoint.In(api.EndpointCompletions, api.EndpointChatCompletions) {
		return resp
	}
	rules := parseListRules(v.String(), p.log())
	choices := gjson.GetBytes(resp, "choices")
	if len(rules) == 0 || !choices.IsArray() {
		return resp
	}

	scan := &listScan{matcher: s.matcher, p: p}
	for _, rule := range rules {
		for i, c := range choices.Array() {
			switch {
			case present(c.Get("text")):
				resp = scan.check(resp, fmt.Sprintf("choices.%d.text", i), rule)
			case present(c.Get("message.content")):
				resp = scan.check(resp, fmt.Sprintf("choices.%d.message.content", i), rule)
			}
		}
	}

	// A streamed response is rescanned as it grows; report each list once.
	var fresh []string
	for _, name := range scan.matched {
		if !p.responseLists[name] {
			fresh = append(fresh, name)
		}
	}
	if len(fresh) == 0 {
		return resp
	}
	if p.responseLists == nil {
		p.responseLists = make(map[string]bool)
	}
	for _, name := range fresh {
		p.responseLists[name] = true
	}

	desc := "Response matched known wordlists: " + strings.Join(fresh, ", ")
	if p.haveWordlistFlag {
		p.Record.AppendToFlag(p.wordlistFlag, "; "+desc)
	} else {
		p.wordlistFlag = p.Record.AddFlag("policy_wordlists", desc)
		p.haveWordlistFlag = true
	}
	return resp
}
