// Package lmsdb executes read-only queries against a Totara LMS database
// and exposes the schema surface the rest of the system is allowed to see.
package lmsdb

import (
	"sort"
	"strings"
)

// Schema maps exposed table names to their exposed columns. Anything not
// listed here is invisible to query generation and rejected by validation.
type Schema map[string][]string

// DefaultSchema returns the Totara LMS tables the assistant may query.
func DefaultSchema() Schema {
	return Schema{
		"users":              {"id", "username", "firstname", "lastname", "email", "timecreated", "timemodified"},
		"courses":            {"id", "fullname", "shortname", "summary", "category", "timecreated", "timemodified"},
		"course_enrollments": {"id", "userid", "courseid", "timeenrolled", "status"},
		"course_completions": {"id", "userid", "course", "timecompleted", "grade"},
		"learning_plans":     {"id", "userid", "name", "description", "status", "timecreated"},
		"certifications":     {"id", "userid", "certifid", "status", "timecompleted"},
		"programs":           {"id", "fullname", "shortname", "summary", "visible"},
		"grades":             {"id", "userid", "itemid", "finalgrade", "timecreated", "timemodified"},
		"quiz_attempts":      {"id", "quiz", "userid", "attempt", "timestart", "timefinish", "sumgrades"},
		"sessions":           {"id", "userid", "facetoface", "sessiondate", "status"},
		"feedback":           {"id", "course", "userid", "completed", "timemodified"},
	}
}

// Tables returns the table names in sorted order.
func (s Schema) Tables() []string {
	tables := make([]string, 0, len(s))
	for table := range s {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// Columns returns the columns of a table, nil if the table is not exposed.
func (s Schema) Columns(table string) []string {
	return s[strings.ToLower(table)]
}

// Context renders the schema as prompt context for query generation.
func (s Schema) Context() string {
	var b strings.Builder
	b.WriteString("Totara LMS Database Schema:\n")
	for _, table := range s.Tables() {
		b.WriteString("Table: ")
		b.WriteString(table)
		b.WriteString("\nColumns: ")
		b.WriteString(strings.Join(s[table], ", "))
		b.WriteString("\n\n")
	}
	return b.String()
}
