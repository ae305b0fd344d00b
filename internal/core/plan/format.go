package plan

import (
	"io"
	"strings"
	"time"
)

// TimestampFormat is the layout used when rendering plan timestamps.
const TimestampFormat = time.RFC3339Nano

// Format renders the plan in canonical plan-file form. Parsing the result
// yields an equal plan.
func (p *Plan) Format() string {
	var b strings.Builder

	version := p.SyntaxVersion
	if version == "" {
		version = DefaultSyntaxVersion
	}
	b.WriteString("%syntax-version=" + version + "\n")
	if p.Project != "" {
		b.WriteString("%project=" + p.Project + "\n")
	}
	if p.URI != "" {
		b.WriteString("%uri=" + p.URI + "\n")
	}
	b.WriteString("\n")

	tagsByChange := make(map[string][]Tag)
	for _, t := range p.Tags {
		tagsByChange[t.Change] = append(tagsByChange[t.Change], t)
	}

	for _, c := range p.Changes {
		b.WriteString(c.Name)
		if len(c.Dependencies) > 0 {
			b.WriteString(" [" + strings.Join(c.Dependencies, " ") + "]")
		}
		writeTrailer(&b, c.Timestamp, c.Planner, c.Email, c.Note)

		for _, t := range tagsByChange[c.Name] {
			b.WriteString("@" + t.Name)
			writeTrailer(&b, t.Timestamp, t.Planner, t.Email, t.Note)
		}
	}

	return b.String()
}

// WriteTo writes the canonical plan text to w.
func (p *Plan) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, p.Format())
	return int64(n), err
}

func writeTrailer(b *strings.Builder, ts time.Time, planner, email, note string) {
	b.WriteString(" " + ts.UTC().Format(TimestampFormat))
	if planner != "" {
		b.WriteString(" " + planner)
	}
	b.WriteString(" <" + email + ">")
	if note != "" {
		b.WriteString(" # " + note)
	}
	b.WriteString("\n")
}
