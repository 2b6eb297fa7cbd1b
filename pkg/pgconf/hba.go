package pgconf

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// AccessRule is one record of an access control file.
type AccessRule struct {
	Line     int    `json:"line"`
	Type     string `json:"type"`
	Database string `json:"database"`
	User     string `json:"user"`
	Address  string `json:"address,omitempty"`
	Method   string `json:"method"`
	Options  string `json:"options,omitempty"`
}

// ParseAccessControl reads access control content into rules. Local records
// carry no address; host records may give the address as a CIDR or as an
// address followed by a netmask.
func ParseAccessControl(content []byte) ([]AccessRule, error) {
	var rules []AccessRule

	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		rule := AccessRule{Line: lineNo, Type: fields[0]}
		rest := fields[1:]

		minFields := 4
		if rule.Type == "local" {
			minFields = 3
		}
		if len(rest) < minFields {
			return nil, fmt.Errorf("line %d: incomplete %s record %q", lineNo, rule.Type, strings.TrimSpace(line))
		}

		rule.Database, rule.User = rest[0], rest[1]
		rest = rest[2:]

		if rule.Type != "local" {
			rule.Address = rest[0]
			rest = rest[1:]
			if !strings.Contains(rule.Address, "/") && len(rest) >= 2 && looksLikeMask(rest[0]) {
				rule.Address = rule.Address + "/" + rest[0]
				rest = rest[1:]
			}
		}

		rule.Method = rest[0]
		if len(rest) > 1 {
			rule.Options = strings.Join(rest[1:], " ")
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read access control: %w", err)
	}
	return rules, nil
}

func looksLikeMask(s string) bool {
	return strings.Count(s, ".") == 3 || strings.Contains(s, ":")
}
