package textfsm

import (
	"fmt"
	"strings"
)

// Value is one compiled `Value [options] NAME pattern` header declaration.
type Value struct {
	Name     string
	Pattern  string // raw regex as written in the template, before ${NAME} substitution
	Filldown bool
	Fillup   bool
	Key      bool
	Required bool
	List     bool
	Default  string
}

// parseValueLine parses a single "Value ..." header line.
func parseValueLine(line string, lineNum int) (Value, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "Value"))
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return Value{}, fmt.Errorf("line %d: malformed Value declaration: %q", lineNum, line)
	}

	var v Value
	var name, pattern string

	if len(fields) >= 3 && looksLikeOptionList(fields[0]) {
		if err := applyOptions(&v, fields[0], lineNum); err != nil {
			return Value{}, err
		}
		name = fields[1]
		pattern = strings.Join(fields[2:], " ")
	} else {
		name = fields[0]
		pattern = strings.Join(fields[1:], " ")
	}

	v.Name = name
	v.Pattern = pattern
	return v, nil
}

var knownOptionTokens = map[string]bool{
	"Filldown": true, "Fillup": true, "Key": true, "Required": true, "List": true,
}

func looksLikeOptionList(token string) bool {
	for _, part := range strings.Split(token, ",") {
		base := part
		if idx := strings.Index(part, "="); idx >= 0 {
			base = part[:idx]
		}
		if base == "Default" || knownOptionTokens[base] {
			return true
		}
	}
	return false
}

func applyOptions(v *Value, token string, lineNum int) error {
	for _, part := range strings.Split(token, ",") {
		if strings.HasPrefix(part, "Default=") {
			v.Default = strings.TrimPrefix(part, "Default=")
			continue
		}
		switch part {
		case "Filldown":
			v.Filldown = true
		case "Fillup":
			v.Fillup = true
		case "Key":
			v.Key = true
		case "Required":
			v.Required = true
		case "List":
			v.List = true
		default:
			return fmt.Errorf("line %d: unknown Value option %q", lineNum, part)
		}
	}
	return nil
}
