package plan

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `%syntax-version=1.0.0
%project=app
%uri=https://example.com/app

# comment lines are ignored
schemas/auth 2024-01-02T10:00:00Z Jane Doe <jane@example.com> # auth schema
schemas/auth/tables/users [schemas/auth] 2024-01-02T10:05:00Z Jane Doe <jane@example.com> # users table
@v1.0.0 2024-01-02T11:00:00Z Jane Doe <jane@example.com> # first release

schemas/auth/tables/sessions [schemas/auth/tables/users other:schemas/base] 2024-01-03T09:00:00Z Bob <bob@example.com>
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Sample(t *testing.T) {
	p, err := ParseString(samplePlan)
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", p.SyntaxVersion)
	assert.Equal(t, "app", p.Project)
	assert.Equal(t, "https://example.com/app", p.URI)
	require.Len(t, p.Changes, 3)

	auth := p.Changes[0]
	assert.Equal(t, "schemas/auth", auth.Name)
	assert.Nil(t, auth.Dependencies)
	assert.Equal(t, "Jane Doe", auth.Planner)
	assert.Equal(t, "jane@example.com", auth.Email)
	assert.Equal(t, "auth schema", auth.Note)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), auth.Timestamp)

	sessions := p.Changes[2]
	assert.Equal(t, []string{"schemas/auth/tables/users", "other:schemas/base"}, sessions.Dependencies)
	assert.Equal(t, "Bob", sessions.Planner)
	assert.Empty(t, sessions.Note)

	require.Len(t, p.Tags, 1)
	assert.Equal(t, "v1.0.0", p.Tags[0].Name)
	assert.Equal(t, "schemas/auth/tables/users", p.Tags[0].Change)
	assert.Equal(t, "first release", p.Tags[0].Note)

	tag, ok := p.Tag("@v1.0.0")
	require.True(t, ok)
	assert.Equal(t, "schemas/auth/tables/users", tag.Change)
	_, ok = p.Tag("v2")
	assert.False(t, ok)
}

func TestParse_DefaultSyntaxVersion(t *testing.T) {
	p, err := ParseString("%project=x\na 2024-01-01T00:00:00Z A <a@x>\n")
	require.NoError(t, err)
	assert.Equal(t, DefaultSyntaxVersion, p.SyntaxVersion)
}

func TestParse_TimezoneNormalizedToUTC(t *testing.T) {
	p, err := ParseString("a 2024-01-01T02:00:00+02:00 A <a@x>\n")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), p.Changes[0].Timestamp)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
		line int
		want error
	}{
		{"malformed change", "%project=x\nbroken-line\n", 2, ErrMalformedLine},
		{"bad timestamp", "a yesterday A <a@x>\n", 1, ErrMalformedLine},
		{"duplicate change", "a 2024-01-01T00:00:00Z A <a@x>\na 2024-01-01T00:00:00Z A <a@x>\n", 2, ErrDuplicateChange},
		{"orphan tag", "@v1 2024-01-01T00:00:00Z A <a@x>\n", 1, ErrOrphanTag},
		{"duplicate tag", "a 2024-01-01T00:00:00Z A <a@x>\n@v1 2024-01-01T00:00:00Z A <a@x>\n@v1 2024-01-01T00:00:00Z A <a@x>\n", 3, ErrDuplicateTag},
		{"malformed tag", "a 2024-01-01T00:00:00Z A <a@x>\n@v1\n", 2, ErrMalformedLine},
		{"qualified project", "%project=a:b\n", 1, ErrInvalidPragma},
		{"empty pragma key", "%=x\n", 1, ErrInvalidPragma},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.text)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var pErr *ParseError
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, tt.line, pErr.Line)
		})
	}
}

// =============================================================================
// Format Tests
// =============================================================================

func TestFormat_RoundTrip(t *testing.T) {
	p, err := ParseString(samplePlan)
	require.NoError(t, err)

	again, err := ParseString(p.Format())
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, p.Format(), again.Format())
}

func TestFormat_KeepsFractionalSeconds(t *testing.T) {
	text := "%project=pkg\n" +
		"a 2024-01-01T00:00:00.25Z A <a@x>\n" +
		"@v1 2024-01-01T00:00:01.000000123Z A <a@x>\n"

	p, err := ParseString(text)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, p.Changes[0].Timestamp.Sub(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	out := p.Format()
	assert.Contains(t, out, "a 2024-01-01T00:00:00.25Z A <a@x>\n")
	assert.Contains(t, out, "@v1 2024-01-01T00:00:01.000000123Z A <a@x>\n")

	again, err := ParseString(out)
	require.NoError(t, err)
	assert.True(t, p.Changes[0].Timestamp.Equal(again.Changes[0].Timestamp))
	assert.True(t, p.Tags[0].Timestamp.Equal(again.Tags[0].Timestamp))
}

func TestFormat_Canonical(t *testing.T) {
	p := &Plan{
		Project: "pkg",
		Changes: []Change{
			{Name: "a", Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Planner: "A", Email: "a@x"},
			{Name: "b", Dependencies: []string{"a", "core:c"}, Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Planner: "A", Email: "a@x", Note: "bee"},
		},
		Tags: []Tag{{Name: "v1", Change: "a", Timestamp: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), Planner: "A", Email: "a@x"}},
	}

	expected := "%syntax-version=1.0.0\n" +
		"%project=pkg\n" +
		"\n" +
		"a 2024-01-01T00:00:00Z A <a@x>\n" +
		"@v1 2024-01-01T01:00:00Z A <a@x>\n" +
		"b [a core:c] 2024-01-02T00:00:00Z A <a@x> # bee\n"
	assert.Equal(t, expected, p.Format())
}

// =============================================================================
// Lookup Tests
// =============================================================================

func TestResolveLocal(t *testing.T) {
	p, err := ParseString(samplePlan)
	require.NoError(t, err)

	tests := []struct {
		dep    string
		want   string
		wantOK bool
	}{
		{"schemas/auth", "schemas/auth", true},
		{"@v1.0.0", "schemas/auth/tables/users", true},
		{"schemas/auth@v1.0.0", "schemas/auth", true},
		{"app:schemas/auth", "schemas/auth", true},
		{"app:@v1.0.0", "schemas/auth/tables/users", true},
		{"other:schemas/base", "", false},
		{"missing", "", false},
		{"@missing", "", false},
	}

	for _, tt := range tests {
		got, ok := p.ResolveLocal(tt.dep)
		assert.Equal(t, tt.wantOK, ok, tt.dep)
		assert.Equal(t, tt.want, got, tt.dep)
	}
}

func TestSplitQualified(t *testing.T) {
	pkg, ref, ok := SplitQualified("auth:schemas/auth/tables/users")
	assert.True(t, ok)
	assert.Equal(t, "auth", pkg)
	assert.Equal(t, "schemas/auth/tables/users", ref)

	_, ref, ok = SplitQualified("users")
	assert.False(t, ok)
	assert.Equal(t, "users", ref)

	assert.Equal(t, "auth:@v1", Qualify("auth", "@v1"))
}

func TestClone_IsDeep(t *testing.T) {
	p, err := ParseString(samplePlan)
	require.NoError(t, err)

	c := p.Clone()
	c.Changes[2].Dependencies[0] = "changed"
	c.Tags[0].Name = "changed"

	assert.Equal(t, "schemas/auth/tables/users", p.Changes[2].Dependencies[0])
	assert.Equal(t, "v1.0.0", p.Tags[0].Name)
	assert.Equal(t, []string{"v1.0.0"}, p.TagsFor("schemas/auth/tables/users"))
}
