// Package plan contains the change-plan model and the plan-file codec.
//
// This is part of the Functional Core: parsing and rendering are pure
// transformations between plan text and values. Reading and writing plan
// files lives in internal/shell/project.
//
// # Plan File
//
//	%syntax-version=1.0.0
//	%project=app
//	%uri=https://example.com/app
//
//	schemas/auth 2024-01-02T10:00:00Z Jane Doe <jane@example.com> # auth schema
//	schemas/auth/tables/users [schemas/auth] 2024-01-02T10:05:00Z Jane Doe <jane@example.com>
//	@v1.0.0 2024-01-02T11:00:00Z Jane Doe <jane@example.com> # first release
//
// A tag line attaches to the change immediately above it.
package plan
