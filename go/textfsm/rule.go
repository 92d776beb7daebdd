package textfsm

import (
	"fmt"
	"regexp"
	"strings"
)

// RecordOp is applied before LineOp, per §4.5's processing order.
type RecordOp int

const (
	NoRecord RecordOp = iota
	Record
	Clear
	Clearall
)

// LineOp controls whether parsing advances past the current input line.
type LineOp int

const (
	Next LineOp = iota // default
	Continue
	Error
)

// Rule is one compiled state rule: a match regex with named captures
// referencing declared Values, plus the record/line operations and
// optional state transition applied on a match.
type Rule struct {
	Source     string
	LineNum    int
	Regex      *regexp.Regexp
	RecordOp   RecordOp
	LineOp     LineOp
	ErrorMsg   string
	NewState   string // "", "End", "EOF", or a declared state name
}

var valueRefPattern = regexp.MustCompile(`\$\{(\w+)\}`)
var quotedMessage = regexp.MustCompile(`^"([^"]*)"`)

// compileRule parses one `  ^...` rule line, substituting ${NAME}
// references against valuePatterns into a named-capture regex.
func compileRule(line string, lineNum int, valuePatterns map[string]string) (Rule, error) {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, "^") {
		return Rule{}, fmt.Errorf("line %d: rule must start with '^': %q", lineNum, line)
	}

	matchPart := trimmed
	actionPart := ""
	if idx := strings.Index(trimmed, "->"); idx >= 0 {
		matchPart = strings.TrimRight(trimmed[:idx], " \t")
		actionPart = strings.TrimSpace(trimmed[idx+2:])
	}

	expanded, err := expandValueRefs(matchPart, valuePatterns, lineNum)
	if err != nil {
		return Rule{}, err
	}
	re, err := regexp.Compile(expanded)
	if err != nil {
		return Rule{}, fmt.Errorf("line %d: invalid rule regex %q: %w", lineNum, expanded, err)
	}

	rule := Rule{Source: line, LineNum: lineNum, Regex: re}
	if err := parseActions(&rule, actionPart); err != nil {
		return Rule{}, fmt.Errorf("line %d: %w", lineNum, err)
	}
	return rule, nil
}

func expandValueRefs(pattern string, valuePatterns map[string]string, lineNum int) (string, error) {
	var outerErr error
	expanded := valueRefPattern.ReplaceAllStringFunc(pattern, func(m string) string {
		name := valueRefPattern.FindStringSubmatch(m)[1]
		vp, ok := valuePatterns[name]
		if !ok {
			outerErr = fmt.Errorf("line %d: rule references undeclared value %q", lineNum, name)
			return m
		}
		return fmt.Sprintf("(?P<%s>%s)", name, vp)
	})
	if outerErr != nil {
		return "", outerErr
	}
	return expanded, nil
}

var recordOpTokens = map[string]RecordOp{
	"Record": Record, "Clear": Clear, "Clearall": Clearall, "NoRecord": NoRecord,
}
var lineOpTokens = map[string]LineOp{
	"Next": Next, "Continue": Continue, "Error": Error,
}

// parseActions parses the text after "->": an optional
// "RecordOp[.LineOp]" or "LineOp" token, an optional quoted Error message,
// and an optional trailing new-state name.
func parseActions(rule *Rule, actionPart string) error {
	rule.LineOp = Next
	rule.RecordOp = NoRecord

	if actionPart == "" {
		return nil
	}

	fields := strings.SplitN(actionPart, " ", 2)
	opsToken := fields[0]
	rest := ""
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}

	recognizedOp := false
	for _, sub := range strings.Split(opsToken, ".") {
		if op, ok := recordOpTokens[sub]; ok {
			rule.RecordOp = op
			recognizedOp = true
			continue
		}
		if op, ok := lineOpTokens[sub]; ok {
			rule.LineOp = op
			recognizedOp = true
			continue
		}
		if !recognizedOp {
			// opsToken wasn't an operation at all; the whole actionPart
			// names the new state directly (e.g. "-> NEWSTATE").
			rule.NewState = strings.TrimSpace(actionPart)
			return nil
		}
		return fmt.Errorf("unknown action token %q", sub)
	}

	if rule.LineOp == Error {
		if m := quotedMessage.FindStringSubmatch(rest); m != nil {
			rule.ErrorMsg = m[1]
			rest = strings.TrimSpace(rest[len(m[0]):])
		}
	}

	rule.NewState = rest
	return nil
}
