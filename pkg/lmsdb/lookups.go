package lmsdb

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Canned lookups for common questions. These run parameterized statements
// built at compile time, so user input never reaches the SQL text.

// UserByUsername fetches a user's profile row by username.
func (m *MySQL) UserByUsername(ctx context.Context, username string) (*Result, error) {
	return m.runBuilder(ctx, sq.
		Select("id", "username", "firstname", "lastname", "email").
		From("users").
		Where(sq.Eq{"username": username}))
}

// UserByEmail fetches a user's profile row by email.
func (m *MySQL) UserByEmail(ctx context.Context, email string) (*Result, error) {
	return m.runBuilder(ctx, sq.
		Select("id", "username", "firstname", "lastname", "email").
		From("users").
		Where(sq.Eq{"email": email}))
}

// UserCourses lists a user's course enrollments.
func (m *MySQL) UserCourses(ctx context.Context, userID int64) (*Result, error) {
	return m.runBuilder(ctx, sq.
		Select("c.id", "c.fullname", "c.shortname", "ce.timeenrolled", "ce.status").
		From("courses c").
		Join("course_enrollments ce ON c.id = ce.courseid").
		Where(sq.Eq{"ce.userid": userID}).
		OrderBy("ce.timeenrolled DESC"))
}

// UserCompletions lists a user's course completions with grades.
func (m *MySQL) UserCompletions(ctx context.Context, userID int64) (*Result, error) {
	return m.runBuilder(ctx, sq.
		Select("c.fullname", "cc.timecompleted", "cc.grade").
		From("courses c").
		Join("course_completions cc ON c.id = cc.course").
		Where(sq.Eq{"cc.userid": userID}).
		OrderBy("cc.timecompleted DESC"))
}

// CourseStatistics returns per-course enrollment and completion counts.
func (m *MySQL) CourseStatistics(ctx context.Context) (*Result, error) {
	return m.runBuilder(ctx, sq.
		Select(
			"c.fullname",
			"COUNT(DISTINCT ce.userid) AS enrolled",
			"COUNT(DISTINCT cc.userid) AS completed").
		From("courses c").
		LeftJoin("course_enrollments ce ON c.id = ce.courseid").
		LeftJoin("course_completions cc ON c.id = cc.course").
		GroupBy("c.id", "c.fullname").
		OrderBy("enrolled DESC"))
}

// SearchCourses finds courses whose name or summary matches a term.
func (m *MySQL) SearchCourses(ctx context.Context, term string) (*Result, error) {
	pattern := "%" + term + "%"
	return m.runBuilder(ctx, sq.
		Select("id", "fullname", "shortname", "summary").
		From("courses").
		Where(sq.Or{
			sq.Like{"fullname": pattern},
			sq.Like{"shortname": pattern},
			sq.Like{"summary": pattern},
		}).
		Limit(20))
}

// runBuilder renders and executes a squirrel select under the configured
// timeout and row limit.
func (m *MySQL) runBuilder(ctx context.Context, builder sq.SelectBuilder) (*Result, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, m.classify(err)
	}
	defer rows.Close()

	result, err := scanRows(rows, m.rowLimit)
	if err != nil {
		return nil, m.classify(err)
	}
	return result, nil
}
