package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for rule persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Rule definitions
	GetByID(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error

	// UpdatePerformance writes only the performance counters so execution
	// never touches definition or management fields.
	UpdatePerformance(ctx context.Context, id string, perf Performance) error

	// Execution audit (append-only)
	CreateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error)
}

// Execution is one append-only audit entry: the outcome of a rule in a cycle.
type Execution struct {
	ID          string           `json:"id"`
	RuleID      string           `json:"rule_id"`
	FarmID      string           `json:"farm_id"`
	BlockID     string           `json:"block_id,omitempty"`
	EvaluatedAt time.Time        `json:"evaluated_at"`
	Matched     bool             `json:"matched"`
	Trace       []ConditionTrace `json:"trace,omitempty"`
	Verdict     Verdict          `json:"verdict"`
	Reason      Reason           `json:"reason,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	Actions     []ActionResult   `json:"actions,omitempty"`
	Success     bool             `json:"success"`
	DurationMS  *int             `json:"duration_ms,omitempty"`
}

// ruleColumns is the SELECT column list for rule queries.
const ruleColumns = `id, farm_id, block_id, owner_id, name, description, category, priority, enabled,
			conditions, actions, settings, performance,
			version, status, approval_required, approved_by, approved_at, config_error, change_history,
			created_at, updated_at`

// timeLayout is fixed width with nanoseconds, so stored timestamps sort
// as text in time order. Values are always written in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a rule by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("querying rule by id: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by priority descending then id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules ORDER BY priority DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning rule: %w", scanErr)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// Create inserts a new rule.
func (r *SQLiteRepository) Create(ctx context.Context, rule *Rule) error {
	cols, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO automation_rules (
			id, farm_id, block_id, owner_id, name, description, category, priority, enabled,
			conditions, actions, settings, performance,
			version, status, approval_required, approved_by, approved_at, config_error, change_history,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.FarmID,
		nullableString(rule.BlockID),
		rule.OwnerID,
		rule.Name,
		nullableString(rule.Description),
		string(rule.Category),
		rule.Priority,
		boolToInt(rule.Enabled),
		cols.conditions,
		cols.actions,
		cols.settings,
		cols.performance,
		rule.Management.Version,
		string(rule.Management.Status),
		boolToInt(rule.Management.ApprovalRequired),
		nullableString(rule.Management.ApprovedBy),
		nullableTime(rule.Management.ApprovedAt),
		nullableString(rule.Management.ConfigError),
		cols.history,
		rule.CreatedAt.UTC().Format(timeLayout),
		rule.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRuleExists
		}
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// Update replaces a rule's definition and management state.
// Performance counters are left untouched.
func (r *SQLiteRepository) Update(ctx context.Context, rule *Rule) error {
	cols, err := marshalRuleJSON(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE automation_rules SET
			farm_id = ?, block_id = ?, owner_id = ?, name = ?, description = ?,
			category = ?, priority = ?, enabled = ?,
			conditions = ?, actions = ?, settings = ?,
			version = ?, status = ?, approval_required = ?, approved_by = ?, approved_at = ?,
			config_error = ?, change_history = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		rule.FarmID,
		nullableString(rule.BlockID),
		rule.OwnerID,
		rule.Name,
		nullableString(rule.Description),
		string(rule.Category),
		rule.Priority,
		boolToInt(rule.Enabled),
		cols.conditions,
		cols.actions,
		cols.settings,
		rule.Management.Version,
		string(rule.Management.Status),
		boolToInt(rule.Management.ApprovalRequired),
		nullableString(rule.Management.ApprovedBy),
		nullableTime(rule.Management.ApprovedAt),
		nullableString(rule.Management.ConfigError),
		cols.history,
		rule.UpdatedAt.UTC().Format(timeLayout),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	return requireRow(result, ErrRuleNotFound)
}

// UpdatePerformance stores a rule's performance counters.
func (r *SQLiteRepository) UpdatePerformance(ctx context.Context, id string, perf Performance) error {
	data, err := json.Marshal(perf)
	if err != nil {
		return fmt.Errorf("marshalling performance: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE automation_rules SET performance = ? WHERE id = ?", string(data), id)
	if err != nil {
		return fmt.Errorf("updating performance: %w", err)
	}
	return requireRow(result, ErrRuleNotFound)
}

// Delete removes a rule. Its execution history is kept.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automation_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return requireRow(result, ErrRuleNotFound)
}

// CreateExecution appends an execution audit entry.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *Execution) error {
	traceJSON, err := marshalNullable(exec.Trace)
	if err != nil {
		return fmt.Errorf("marshalling trace: %w", err)
	}
	actionsJSON, err := marshalNullable(exec.Actions)
	if err != nil {
		return fmt.Errorf("marshalling actions: %w", err)
	}

	query := `
		INSERT INTO rule_executions (
			id, rule_id, farm_id, block_id, evaluated_at, matched, trace,
			verdict, reason, detail, actions, success, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		exec.ID,
		exec.RuleID,
		exec.FarmID,
		nullableString(&exec.BlockID),
		exec.EvaluatedAt.UTC().Format(timeLayout),
		boolToInt(exec.Matched),
		traceJSON,
		string(exec.Verdict),
		nullableString((*string)(&exec.Reason)),
		nullableString(&exec.Detail),
		actionsJSON,
		boolToInt(exec.Success),
		exec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// ListExecutions retrieves the most recent executions for a rule.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, rule_id, farm_id, block_id, evaluated_at, matched, trace,
			verdict, reason, detail, actions, success, duration_ms
		FROM rule_executions
		WHERE rule_id = ?
		ORDER BY evaluated_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var executions []Execution
	for rows.Next() {
		exec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning execution: %w", scanErr)
		}
		executions = append(executions, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return executions, nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type ruleJSON struct {
	conditions, actions, settings, performance string
	history                                    sql.NullString
}

func marshalRuleJSON(rule *Rule) (ruleJSON, error) {
	var out ruleJSON
	parts := []struct {
		name string
		v    any
		dst  *string
	}{
		{"conditions", rule.Conditions, &out.conditions},
		{"actions", rule.Actions, &out.actions},
		{"settings", rule.Settings, &out.settings},
		{"performance", rule.Performance, &out.performance},
	}
	for _, p := range parts {
		data, err := json.Marshal(p.v)
		if err != nil {
			return out, fmt.Errorf("marshalling %s: %w", p.name, err)
		}
		*p.dst = string(data)
	}

	history, err := marshalNullable(rule.Management.ChangeHistory)
	if err != nil {
		return out, fmt.Errorf("marshalling change history: %w", err)
	}
	out.history = history
	return out, nil
}

func scanRule(scanner rowScanner) (*Rule, error) {
	var r Rule
	var blockID, description, approvedBy, approvedAt, configError, history sql.NullString
	var conditions, actions, settings, performance string
	var category, status string
	var enabled, approvalRequired int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&r.ID,
		&r.FarmID,
		&blockID,
		&r.OwnerID,
		&r.Name,
		&description,
		&category,
		&r.Priority,
		&enabled,
		&conditions,
		&actions,
		&settings,
		&performance,
		&r.Management.Version,
		&status,
		&approvalRequired,
		&approvedBy,
		&approvedAt,
		&configError,
		&history,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.BlockID = stringPtr(blockID)
	r.Description = stringPtr(description)
	r.Category = Category(category)
	r.Enabled = enabled != 0
	r.Management.Status = Status(status)
	r.Management.ApprovalRequired = approvalRequired != 0
	r.Management.ApprovedBy = stringPtr(approvedBy)
	r.Management.ConfigError = stringPtr(configError)
	r.Management.ApprovedAt = timePtr(approvedAt)

	if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		r.CreatedAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		r.UpdatedAt = t
	}

	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshalling conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return nil, fmt.Errorf("unmarshalling actions: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &r.Settings); err != nil {
		return nil, fmt.Errorf("unmarshalling settings: %w", err)
	}
	if err := json.Unmarshal([]byte(performance), &r.Performance); err != nil {
		return nil, fmt.Errorf("unmarshalling performance: %w", err)
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &r.Management.ChangeHistory); err != nil {
			return nil, fmt.Errorf("unmarshalling change history: %w", err)
		}
	}
	return &r, nil
}

func scanExecution(scanner rowScanner) (*Execution, error) {
	var e Execution
	var blockID, trace, reason, detail, actions sql.NullString
	var evaluatedAt, verdict string
	var matched, success int
	var durationMS sql.NullInt64

	err := scanner.Scan(
		&e.ID,
		&e.RuleID,
		&e.FarmID,
		&blockID,
		&evaluatedAt,
		&matched,
		&trace,
		&verdict,
		&reason,
		&detail,
		&actions,
		&success,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	e.BlockID = blockID.String
	e.Matched = matched != 0
	e.Verdict = Verdict(verdict)
	e.Reason = Reason(reason.String)
	e.Detail = detail.String
	e.Success = success != 0
	if t, parseErr := time.Parse(timeLayout, evaluatedAt); parseErr == nil {
		e.EvaluatedAt = t
	}
	if durationMS.Valid {
		d := int(durationMS.Int64)
		e.DurationMS = &d
	}
	if trace.Valid {
		if err := json.Unmarshal([]byte(trace.String), &e.Trace); err != nil {
			return nil, fmt.Errorf("unmarshalling trace: %w", err)
		}
	}
	if actions.Valid {
		if err := json.Unmarshal([]byte(actions.String), &e.Actions); err != nil {
			return nil, fmt.Errorf("unmarshalling actions: %w", err)
		}
	}
	return &e, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalNullable encodes v as JSON, storing NULL for empty slices.
func marshalNullable[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
