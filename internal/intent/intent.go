// Package intent classifies user utterances so the REPL can route them
// to a direct answer, a single tool invocation, or an orchestrator run.
// Model output is parsed defensively; when it is missing or malformed a
// keyword rule set decides instead.
package intent

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Kind 用户意图的三种路由
// Kind is the routing decision for one utterance.
type Kind string

const (
	// KindDirect AI 直接分析回答，可自行取用上下文
	// KindDirect means an AI analysis or explanation answer.
	KindDirect Kind = "DIRECT"
	// KindTask 需要规划的多步操作，交给编排器
	// KindTask means a multi-step operation requiring planning.
	KindTask Kind = "TASK"
	// KindTool 单次显式工具调用，原样返回输出
	// KindTool means one explicit tool invocation with raw output.
	KindTool Kind = "TOOL"
)

// Classification is the single-label result.
type Classification struct {
	Kind   Kind   `json:"intent"`
	Reason string `json:"reason,omitempty"`
}

// LabelScore is one weighted label in a multi-label result.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// MultiClassification is the multi-label result.
type MultiClassification struct {
	Primary string       `json:"primary"`
	Intents []LabelScore `json:"intents"`
	Reason  string       `json:"reason,omitempty"`
}

// Labels is the predefined multi-label set.
var Labels = []string{
	"setup_tailwind", "create_js_files", "generate_ideas", "modify_files",
	"search_codebase", "answer_question", "run_tool", "bug_fix",
	"refactor", "write_tests",
}

// Completer 单轮无工具的模型调用；LLM 门面满足该接口
// Completer is one plain model turn without tools; the LLM facade
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Classifier struct {
	llm Completer
	log zerolog.Logger
}

func NewClassifier(llm Completer, log zerolog.Logger) *Classifier {
	return &Classifier{llm: llm, log: log}
}

const classifyPrompt = `Classify the user request into exactly one intent:
- DIRECT: the user wants analysis, an explanation, or an answer.
- TOOL: the user wants one explicit tool or command run, raw output.
- TASK: the user wants a multi-step change that needs planning.
Respond with JSON only: {"intent":"DIRECT|TASK|TOOL","reason":"..."}.

User request: `

// Classify 单轮分类；模型输出不可解析时走关键词规则
// Classify runs one model turn. Unparseable output falls back to
// keyword rules.
func (c *Classifier) Classify(ctx context.Context, input string) Classification {
	if c.llm != nil {
		raw, err := c.llm.Complete(ctx, classifyPrompt+input)
		if err == nil {
			if result, ok := parseClassification(raw); ok {
				return result
			}
			c.log.Debug().Str("raw", truncate(raw, 200)).Msg("intent output unparseable, using rules")
		} else {
			c.log.Warn().Err(err).Msg("intent classification call failed, using rules")
		}
	}
	return ruleClassify(input)
}

// ClassifyMulti 多标签分类，返回主标签与打分列表
// ClassifyMulti returns the primary label plus per-label scores.
func (c *Classifier) ClassifyMulti(ctx context.Context, input string) MultiClassification {
	if c.llm != nil {
		prompt := multiPrompt(input)
		raw, err := c.llm.Complete(ctx, prompt)
		if err == nil {
			if result, ok := parseMulti(raw); ok {
				return result
			}
			c.log.Debug().Str("raw", truncate(raw, 200)).Msg("multi intent output unparseable, using rules")
		} else {
			c.log.Warn().Err(err).Msg("multi intent call failed, using rules")
		}
	}
	return ruleClassifyMulti(input)
}

func multiPrompt(input string) string {
	var b strings.Builder
	b.WriteString("Score the user request against these intent labels (0 to 1 each):\n")
	b.WriteString(strings.Join(Labels, ", "))
	b.WriteString("\nRespond with JSON only: {\"primary\":\"<label>\",\"intents\":[{\"label\":\"<label>\",\"score\":0.0}],\"reason\":\"...\"}.\n\nUser request: ")
	b.WriteString(input)
	return b.String()
}

// --- model output parsing ---

func parseClassification(raw string) (Classification, bool) {
	obj, ok := extractObject(raw)
	if !ok {
		return Classification{}, false
	}
	var result Classification
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return Classification{}, false
	}
	result.Kind = Kind(strings.ToUpper(strings.TrimSpace(string(result.Kind))))
	switch result.Kind {
	case KindDirect, KindTask, KindTool:
		return result, true
	default:
		return Classification{}, false
	}
}

func parseMulti(raw string) (MultiClassification, bool) {
	obj, ok := extractObject(raw)
	if !ok {
		return MultiClassification{}, false
	}
	var result MultiClassification
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return MultiClassification{}, false
	}

	valid := make(map[string]bool, len(Labels))
	for _, label := range Labels {
		valid[label] = true
	}
	kept := result.Intents[:0]
	for _, intent := range result.Intents {
		intent.Label = strings.TrimSpace(intent.Label)
		if !valid[intent.Label] {
			continue
		}
		if intent.Score < 0 {
			intent.Score = 0
		}
		if intent.Score > 1 {
			intent.Score = 1
		}
		kept = append(kept, intent)
	}
	result.Intents = kept
	if len(result.Intents) == 0 {
		return MultiClassification{}, false
	}
	if !valid[result.Primary] {
		// 主标签缺失或非法时取最高分标签
		// Missing or invalid primary falls back to the top score.
		top := result.Intents[0]
		for _, intent := range result.Intents[1:] {
			if intent.Score > top.Score {
				top = intent
			}
		}
		result.Primary = top.Label
	}
	return result, true
}

// extractObject finds a JSON object in model output: the raw text, a
// fenced block, or the first balanced {...} span.
func extractObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if strings.HasPrefix(raw, "{") && json.Valid([]byte(raw)) {
		return raw, true
	}
	if fenced := extractFenced(raw); fenced != "" && json.Valid([]byte(fenced)) {
		return fenced, true
	}
	if span := firstBalancedObject(raw); span != "" && json.Valid([]byte(span)) {
		return span, true
	}
	return "", false
}

func extractFenced(raw string) string {
	start := strings.Index(raw, "```")
	if start < 0 {
		return ""
	}
	rest := raw[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func firstBalancedObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

// --- keyword rule fallback ---

var toolKeywords = []string{"run ", "execute ", "list ", "show me", "print "}

var taskKeywords = []string{
	"create", "build", "implement", "set up", "setup", "add ", "refactor",
	"rewrite", "migrate", "generate", "fix ", "install",
}

func ruleClassify(input string) Classification {
	lower := strings.ToLower(input)
	for _, kw := range toolKeywords {
		if strings.Contains(lower, kw) {
			return Classification{Kind: KindTool, Reason: "keyword rule: " + strings.TrimSpace(kw)}
		}
	}
	for _, kw := range taskKeywords {
		if strings.Contains(lower, kw) {
			return Classification{Kind: KindTask, Reason: "keyword rule: " + strings.TrimSpace(kw)}
		}
	}
	return Classification{Kind: KindDirect, Reason: "keyword rule: default"}
}

var labelKeywords = map[string][]string{
	"setup_tailwind":  {"tailwind"},
	"create_js_files": {"create", "new file", ".js", "scaffold"},
	"generate_ideas":  {"idea", "suggest", "brainstorm"},
	"modify_files":    {"modify", "change", "update", "edit"},
	"search_codebase": {"find", "search", "where is", "locate"},
	"answer_question": {"what", "why", "how", "explain", "?"},
	"run_tool":        {"run", "execute", "list", "show"},
	"bug_fix":         {"bug", "fix", "error", "crash", "broken"},
	"refactor":        {"refactor", "clean up", "restructure"},
	"write_tests":     {"test", "coverage", "spec"},
}

func ruleClassifyMulti(input string) MultiClassification {
	lower := strings.ToLower(input)
	var intents []LabelScore
	for _, label := range Labels {
		hits := 0
		for _, kw := range labelKeywords[label] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := 0.4 + 0.2*float64(hits)
		if score > 1 {
			score = 1
		}
		intents = append(intents, LabelScore{Label: label, Score: score})
	}
	if len(intents) == 0 {
		return MultiClassification{
			Primary: "answer_question",
			Intents: []LabelScore{{Label: "answer_question", Score: 0.5}},
			Reason:  "keyword rule: default",
		}
	}
	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Score > intents[j].Score })
	return MultiClassification{
		Primary: intents[0].Label,
		Intents: intents,
		Reason:  "keyword rule",
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
