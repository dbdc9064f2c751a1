package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// NotFoundError carries the entity kind and id of a missing row. It matches
// errors.Is(err, ErrNotFound) so callers can branch either way.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %d not found", e.Entity, e.ID) }
func (e NotFoundError) Unwrap() error { return ErrNotFound }

const storyColumns = `id,project,role,goal,reason,description,priority,story_points,effort_hours,effort_hours_total,created_at`

func scanStory(row interface{ Scan(...any) error }) (domain.UserStory, error) {
	var s domain.UserStory
	err := row.Scan(&s.ID, &s.Project, &s.Role, &s.Goal, &s.Reason, &s.Description,
		&s.Priority, &s.StoryPoints, &s.EffortHours, &s.EffortHoursTotal, &s.CreatedAt)
	return s, err
}

// InsertStory inserts a story and returns it with the store-assigned id and
// creation timestamp.
func (r Repo) InsertStory(ctx context.Context, s domain.UserStory) (domain.UserStory, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO user_stories(project,role,goal,reason,description,priority,story_points,effort_hours) VALUES (?,?,?,?,?,?,?,?)`,
		s.Project, s.Role, s.Goal, s.Reason, s.Description, s.Priority, s.StoryPoints, s.EffortHours)
	if err != nil {
		return domain.UserStory{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.UserStory{}, err
	}
	return r.GetStory(ctx, id)
}

func (r Repo) GetStory(ctx context.Context, id int64) (domain.UserStory, error) {
	s, err := scanStory(r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM user_stories WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return s, NotFoundError{Entity: "user_story", ID: id}
	}
	return s, err
}

func (r Repo) ListStories(ctx context.Context, limit, offset int) ([]domain.UserStory, error) {
	query := `SELECT ` + storyColumns + ` FROM user_stories ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserStory
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeleteStory removes a story; the tasks foreign key cascades the delete to
// its tasks, so no orphaned rows can survive.
func (r Repo) DeleteStory(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM user_stories WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "user_story", ID: id}
	}
	return nil
}

// SetStoryEffortTotal writes the derived aggregate. Only the recompute path
// calls this.
func (r Repo) SetStoryEffortTotal(ctx context.Context, id int64, total float64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE user_stories SET effort_hours_total=? WHERE id=?`, total, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "user_story", ID: id}
	}
	return nil
}

// SumTaskHours sums the non-null effort_hours of a story's tasks, treating
// null as zero.
func (r Repo) SumTaskHours(ctx context.Context, storyID int64) (float64, error) {
	var total float64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(effort_hours),0) FROM tasks WHERE user_story_id=?`, storyID).Scan(&total)
	return total, err
}

const taskColumns = `id,title,description,priority,effort_hours,status,assigned_to,category,risk_analysis,risk_mitigation,user_story_id,created_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var description, category, riskAnalysis, riskMitigation sql.NullString
	var effort sql.NullFloat64
	var storyID sql.NullInt64
	err := row.Scan(&t.ID, &t.Title, &description, &t.Priority, &effort, &t.Status,
		&t.AssignedTo, &category, &riskAnalysis, &riskMitigation, &storyID, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = &description.String
	}
	if effort.Valid {
		t.EffortHours = &effort.Float64
	}
	if category.Valid {
		t.Category = &category.String
	}
	if riskAnalysis.Valid {
		t.RiskAnalysis = &riskAnalysis.String
	}
	if riskMitigation.Valid {
		t.RiskMitigation = &riskMitigation.String
	}
	if storyID.Valid {
		t.UserStoryID = &storyID.Int64
	}
	return t, nil
}

// InsertTask inserts a task and returns it with the store-assigned id and
// creation timestamp.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(title,description,priority,effort_hours,status,assigned_to,category,risk_analysis,risk_mitigation,user_story_id) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.Title, nullableStringPtr(t.Description), t.Priority, nullableFloatPtr(t.EffortHours), t.Status,
		t.AssignedTo, nullableStringPtr(t.Category), nullableStringPtr(t.RiskAnalysis), nullableStringPtr(t.RiskMitigation), nullableInt64Ptr(t.UserStoryID))
	if err != nil {
		return domain.Task{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Task{}, err
	}
	return r.GetTask(ctx, id)
}

// UpdateTask replaces all mutable fields of a task.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, priority=?, effort_hours=?, status=?, assigned_to=?, category=?, risk_analysis=?, risk_mitigation=?, user_story_id=? WHERE id=?`,
		t.Title, nullableStringPtr(t.Description), t.Priority, nullableFloatPtr(t.EffortHours), t.Status,
		t.AssignedTo, nullableStringPtr(t.Category), nullableStringPtr(t.RiskAnalysis), nullableStringPtr(t.RiskMitigation), nullableInt64Ptr(t.UserStoryID), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "task", ID: t.ID}
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, NotFoundError{Entity: "task", ID: id}
	}
	return t, err
}

func (r Repo) DeleteTask(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "task", ID: id}
	}
	return nil
}

type TaskFilters struct {
	StoryID  *int64
	Status   string
	Category string
	Limit    int
	Offset   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.StoryID != nil {
		clauses = append(clauses, "user_story_id=?")
		args = append(args, *f.StoryID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTasksByStory returns a story's tasks in creation order, the order the
// pipeline produced them.
func (r Repo) ListTasksByStory(ctx context.Context, storyID int64) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_story_id=? ORDER BY created_at ASC, id ASC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestEvents returns the most recent events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
