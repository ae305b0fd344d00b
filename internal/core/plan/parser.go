package plan

import (
	"bufio"
	"io"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// Line Grammar
// =============================================================================

var (
	pragmaLine = regexp.MustCompile(`^%\s*([A-Za-z][\w-]*)\s*=\s*(.*?)\s*$`)

	// name [deps] timestamp planner <email> # note
	changeLine = regexp.MustCompile(`^([^\s\[@%#][^\s\[]*)\s*(?:\[([^\]]*)\])?\s+(\S+)\s+([^<]*?)\s*<([^>]*)>\s*(?:#\s?(.*))?$`)

	// @tag timestamp planner <email> # note
	tagLine = regexp.MustCompile(`^@(\S+)\s+(\S+)\s+([^<]*?)\s*<([^>]*)>\s*(?:#\s?(.*))?$`)
)

// =============================================================================
// Parsing
// =============================================================================

// ParseString parses plan text.
func ParseString(text string) (*Plan, error) {
	return Parse(strings.NewReader(text))
}

// Parse reads a plan from r.
//
// Blank lines and lines starting with '#' are ignored. Unknown pragmas are
// tolerated. Change names and tag names must be unique.
func Parse(r io.Reader) (*Plan, error) {
	p := &Plan{SyntaxVersion: DefaultSyntaxVersion}
	seenChanges := make(map[string]bool)
	seenTags := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue

		case strings.HasPrefix(line, "%"):
			if err := parsePragma(p, lineNo, line); err != nil {
				return nil, err
			}

		case strings.HasPrefix(line, "@"):
			tag, err := parseTag(lineNo, line)
			if err != nil {
				return nil, err
			}
			if len(p.Changes) == 0 {
				return nil, NewParseError(lineNo, raw, "tag @"+tag.Name+" precedes every change", ErrOrphanTag)
			}
			if seenTags[tag.Name] {
				return nil, NewParseError(lineNo, raw, "tag @"+tag.Name+" is declared twice", ErrDuplicateTag)
			}
			seenTags[tag.Name] = true
			tag.Change = p.Changes[len(p.Changes)-1].Name
			p.Tags = append(p.Tags, tag)

		default:
			change, err := parseChange(lineNo, line)
			if err != nil {
				return nil, err
			}
			if seenChanges[change.Name] {
				return nil, NewParseError(lineNo, raw, "change "+change.Name+" is declared twice", ErrDuplicateChange)
			}
			seenChanges[change.Name] = true
			p.Changes = append(p.Changes, change)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewParseError(lineNo, "", err.Error(), err)
	}

	return p, nil
}

func parsePragma(p *Plan, lineNo int, line string) error {
	m := pragmaLine.FindStringSubmatch(line)
	if m == nil {
		return NewParseError(lineNo, line, "invalid pragma", ErrInvalidPragma)
	}

	switch m[1] {
	case "syntax-version":
		if m[2] == "" {
			return NewParseError(lineNo, line, "syntax-version is empty", ErrInvalidPragma)
		}
		p.SyntaxVersion = m[2]
	case "project":
		if m[2] == "" || strings.Contains(m[2], QualifierSeparator) {
			return NewParseError(lineNo, line, "project name must be non-empty and must not contain ':'", ErrInvalidPragma)
		}
		p.Project = m[2]
	case "uri":
		p.URI = m[2]
	}
	return nil
}

func parseChange(lineNo int, line string) (Change, error) {
	m := changeLine.FindStringSubmatch(line)
	if m == nil {
		return Change{}, NewParseError(lineNo, line, "expected '<name> [<deps>] <timestamp> <planner> <<email>>'", ErrMalformedLine)
	}

	ts, err := time.Parse(time.RFC3339, m[3])
	if err != nil {
		return Change{}, NewParseError(lineNo, line, "invalid timestamp "+m[3], ErrMalformedLine)
	}

	return Change{
		Name:         m[1],
		Dependencies: splitDependencies(m[2]),
		Timestamp:    ts.UTC(),
		Planner:      m[4],
		Email:        m[5],
		Note:         strings.TrimSpace(m[6]),
	}, nil
}

func parseTag(lineNo int, line string) (Tag, error) {
	m := tagLine.FindStringSubmatch(line)
	if m == nil {
		return Tag{}, NewParseError(lineNo, line, "expected '@<tag> <timestamp> <planner> <<email>>'", ErrMalformedLine)
	}

	ts, err := time.Parse(time.RFC3339, m[2])
	if err != nil {
		return Tag{}, NewParseError(lineNo, line, "invalid timestamp "+m[2], ErrMalformedLine)
	}

	return Tag{
		Name:      m[1],
		Timestamp: ts.UTC(),
		Planner:   m[3],
		Email:     m[4],
		Note:      strings.TrimSpace(m[5]),
	}, nil
}

func splitDependencies(s string) []string {
	deps := strings.Fields(s)
	if len(deps) == 0 {
		return nil
	}
	return deps
}
