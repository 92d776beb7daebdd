// Package textfsm implements the template-driven text-to-records engine
// (C5): compile Values/States/Rules from template text, then run a
// deterministic state machine over input lines to produce ordered
// key-value records.
package textfsm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/netsshio/netsshd/go/netsshx"
)

// Template is the compiled, immutable form of a parsed template. It
// carries no execution state, so the same *Template may run concurrently
// over multiple inputs — Execute is a pure function of (Template, lines).
type Template struct {
	Values     []Value
	valueIndex map[string]int
	States     map[string][]Rule
	StateOrder []string
}

var commentLine = regexp.MustCompile(`^\s*#`)

// Compile parses template text per §4.5's header/state-block grammar.
func Compile(text string) (*Template, error) {
	lines := strings.Split(text, "\n")
	t := &Template{valueIndex: map[string]int{}, States: map[string][]Rule{}}

	i := 0
	// Value header block, terminated by a blank line.
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			break
		}
		if commentLine.MatchString(line) {
			continue
		}
		if !strings.HasPrefix(line, "Value ") && line != "Value" {
			return nil, templateErr(i+1, "expected Value declaration or blank line, got %q", line)
		}
		v, err := parseValueLine(line, i+1)
		if err != nil {
			return nil, netsshx.New(netsshx.KindTemplateError, err)
		}
		if _, dup := t.valueIndex[v.Name]; dup {
			return nil, templateErr(i+1, "duplicate Value declaration: %q", v.Name)
		}
		t.valueIndex[v.Name] = len(t.Values)
		t.Values = append(t.Values, v)
	}
	if len(t.Values) == 0 {
		return nil, templateErr(1, "no Value declarations found")
	}

	valuePatterns := make(map[string]string, len(t.Values))
	for _, v := range t.Values {
		valuePatterns[v.Name] = v.Pattern
	}

	// State blocks.
	for i < len(lines) {
		// Skip blank lines / comments between blocks.
		for i < len(lines) && (strings.TrimSpace(lines[i]) == "" || commentLine.MatchString(strings.TrimSpace(lines[i]))) {
			i++
		}
		if i >= len(lines) {
			break
		}

		stateName := strings.TrimSpace(lines[i])
		if len(stateName) > 48 || !isValidStateName(stateName) {
			return nil, templateErr(i+1, "invalid state name %q", stateName)
		}
		if _, dup := t.States[stateName]; dup {
			return nil, templateErr(i+1, "duplicate state name %q", stateName)
		}
		t.States[stateName] = nil
		t.StateOrder = append(t.StateOrder, stateName)
		i++

		var rules []Rule
		for i < len(lines) {
			raw := lines[i]
			trimmed := strings.TrimSpace(raw)
			if trimmed == "" {
				i++
				break
			}
			if commentLine.MatchString(trimmed) {
				i++
				continue
			}
			if !strings.HasPrefix(raw, "  ^") && !strings.HasPrefix(raw, " ^") && !strings.HasPrefix(raw, "\t^") && !strings.HasPrefix(trimmed, "^") {
				return nil, templateErr(i+1, "missing whitespace or '^' before rule: %q", raw)
			}
			rule, err := compileRule(raw, i+1, valuePatterns)
			if err != nil {
				return nil, netsshx.New(netsshx.KindTemplateError, err)
			}
			rules = append(rules, rule)
			i++
		}
		t.States[stateName] = rules
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func isValidStateName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func (t *Template) validate() error {
	if _, ok := t.States["Start"]; !ok {
		return templateErr(0, "template is missing required state 'Start'")
	}
	for state, rules := range t.States {
		for _, rule := range rules {
			if rule.LineOp == Error {
				continue
			}
			if rule.NewState == "" || rule.NewState == "End" || rule.NewState == "EOF" {
				continue
			}
			if _, ok := t.States[rule.NewState]; !ok {
				return templateErr(rule.LineNum, "state %q references undeclared state %q", state, rule.NewState)
			}
		}
	}
	return nil
}

func templateErr(line int, format string, args ...any) error {
	return netsshx.New(netsshx.KindTemplateError, fmt.Errorf("line %d: %s", line, fmt.Sprintf(format, args...)))
}

// Header returns the Value declaration order, which is also the key order
// of every emitted record.
func (t *Template) Header() []string {
	out := make([]string, len(t.Values))
	for i, v := range t.Values {
		out[i] = v.Name
	}
	return out
}

// Row is one emitted record: keys in declaration order, values either
// a string (scalar) or a []string (List-option values). Named Row rather
// than Record to avoid colliding with the RecordOp constant of the same name.
type Row struct {
	Header []string
	Fields map[string]any
}

// MarshalJSON emits fields in Header order, matching §6's output contract.
func (r Row) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, key := range r.Header {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(key)
		vb, err := json.Marshal(r.Fields[key])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

type slot struct {
	scalar string
	list   []string
}

func (s *slot) resolved(v Value) any {
	if v.List {
		if s.list == nil {
			return []string{}
		}
		return s.list
	}
	if s.scalar == "" {
		return v.Default
	}
	return s.scalar
}

func (s *slot) isEmpty(v Value) bool {
	if v.List {
		return len(s.list) == 0
	}
	return s.scalar == "" && v.Default == ""
}

type execState struct {
	t       *Template
	slots   []slot
	records []Row
}

func newExecState(t *Template) *execState {
	return &execState{t: t, slots: make([]slot, len(t.Values))}
}

func (e *execState) clear(includeFilldown bool) {
	for i, v := range e.t.Values {
		if v.Filldown && !includeFilldown {
			continue
		}
		e.slots[i] = slot{}
	}
}

// appendRecord builds a record from current slot assignments, per
// on_save_record/append_record in the original: Required-but-empty skips
// (not an error) and still clears non-Filldown slots; a record whose
// non-Filldown values are all empty is silently dropped (slots left
// untouched), so Filldown values carried past the last Record do not
// produce a row of their own.
func (e *execState) appendRecord() error {
	if len(e.t.Values) == 0 {
		return nil
	}

	fields := make(map[string]any, len(e.t.Values))
	allEmpty := true
	for i, v := range e.t.Values {
		if v.Required && e.slots[i].isEmpty(v) {
			e.clear(false)
			return nil
		}
		val := e.slots[i].resolved(v)
		fields[v.Name] = val
		if v.Filldown {
			continue
		}
		if s, ok := val.(string); ok {
			if s != "" {
				allEmpty = false
			}
		} else if lst, ok := val.([]string); ok {
			if len(lst) > 0 {
				allEmpty = false
			}
		}
	}
	if allEmpty {
		return nil
	}

	e.records = append(e.records, Row{Header: e.t.Header(), Fields: fields})
	e.clear(false)
	return nil
}

// fillup retro-fills earlier records' column for name, walking backward
// from the most recent and stopping at the first non-empty occupant.
func (e *execState) fillup(name, value string) {
	for i := len(e.records) - 1; i >= 0; i-- {
		existing, _ := e.records[i].Fields[name].(string)
		if existing != "" {
			break
		}
		e.records[i].Fields[name] = value
	}
}

// Execute runs the compiled template over lines, per §4.5's execution
// semantics. It never mutates Template, so the same *Template may be
// reused across concurrent calls.
func (t *Template) Execute(lines []string) ([]Row, error) {
	e := newExecState(t)
	state := "Start"

	for _, line := range lines {
		var err error
		state, err = e.processLine(state, line)
		if err != nil {
			return nil, err
		}
		if state == "End" || state == "EOF" {
			break
		}
	}

	if state != "End" {
		if _, hasEOF := t.States["EOF"]; !hasEOF {
			if err := e.appendRecord(); err != nil {
				return nil, err
			}
		}
	}

	return e.records, nil
}

func (e *execState) processLine(state, line string) (string, error) {
	idx := 0
	for {
		rules := e.t.States[state]
		matchedAt := -1
		for i := idx; i < len(rules); i++ {
			m := rules[i].Regex.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			matchedAt = i
			e.assignCaptures(rules[i].Regex, m)

			switch rules[i].RecordOp {
			case Record:
				if err := e.appendRecord(); err != nil {
					return state, err
				}
			case Clear:
				e.clear(false)
			case Clearall:
				e.clear(true)
			}

			if rules[i].LineOp == Error {
				return state, netsshx.New(netsshx.KindFSMError, fmt.Errorf("%s (rule line %d, input: %q)", errorMessage(rules[i]), rules[i].LineNum, line))
			}

			newState := state
			if rules[i].NewState != "" {
				newState = rules[i].NewState
			}

			if rules[i].LineOp == Continue {
				if newState != state {
					state = newState
					idx = 0
				} else {
					idx = i + 1
				}
				goto nextRule
			}

			return newState, nil
		}
		if matchedAt < 0 {
			return state, nil
		}
	nextRule:
	}
}

func errorMessage(r Rule) string {
	if r.ErrorMsg != "" {
		return r.ErrorMsg
	}
	if r.NewState != "" {
		return "Error: " + r.NewState
	}
	return "state error raised"
}

func (e *execState) assignCaptures(re *regexp.Regexp, m []string) {
	for _, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		idx, ok := e.t.valueIndex[name]
		if !ok {
			continue
		}
		groupIdx := indexOfSubexp(re, name)
		if groupIdx < 0 || groupIdx >= len(m) {
			continue
		}
		val := m[groupIdx]

		v := e.t.Values[idx]
		if v.List {
			if val != "" {
				e.slots[idx].list = append(e.slots[idx].list, val)
			}
		} else {
			e.slots[idx].scalar = val
		}
		if v.Fillup && val != "" {
			e.fillup(v.Name, val)
		}
	}
}

func indexOfSubexp(re *regexp.Regexp, name string) int {
	for i, n := range re.SubexpNames() {
		if n == name {
			return i
		}
	}
	return -1
}
