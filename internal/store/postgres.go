package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/learnloop/aidispatch/pkg/types"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Providers ---

const providerColumns = `id, vendor, name, priority, rate_limit_rpm, rate_limit_tpm,
	cost_per_1k_input, cost_per_1k_output, active, health, connection_config,
	created_at, updated_at`

func scanProvider(row interface{ Scan(...any) error }) (*types.Provider, error) {
	var p types.Provider
	var health sql.NullString
	var connCfg []byte
	err := row.Scan(&p.ID, &p.Vendor, &p.Name, &p.Priority, &p.RateLimitRPM,
		&p.RateLimitTPM, &p.CostPer1kInput, &p.CostPer1kOutput, &p.Active,
		&health, &connCfg, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if health.Valid {
		p.Health = types.HealthStatus(health.String)
	}
	if len(connCfg) > 0 {
		if err := json.Unmarshal(connCfg, &p.ConnectionConfig); err != nil {
			return nil, fmt.Errorf("decode connection_config: %w", err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]types.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

func (s *PostgresStore) CreateProvider(ctx context.Context, p *types.Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	connCfg, err := json.Marshal(p.ConnectionConfig)
	if err != nil {
		return fmt.Errorf("encode connection_config: %w", err)
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (id, vendor, name, priority, rate_limit_rpm,
			rate_limit_tpm, cost_per_1k_input, cost_per_1k_output, active,
			health, connection_config, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.Vendor, p.Name, p.Priority, p.RateLimitRPM, p.RateLimitTPM,
		p.CostPer1kInput, p.CostPer1kOutput, p.Active, string(p.Health),
		connCfg, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateProvider(ctx context.Context, p *types.Provider) error {
	connCfg, err := json.Marshal(p.ConnectionConfig)
	if err != nil {
		return fmt.Errorf("encode connection_config: %w", err)
	}
	p.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE providers SET vendor=$2, name=$3, priority=$4, rate_limit_rpm=$5,
			rate_limit_tpm=$6, cost_per_1k_input=$7, cost_per_1k_output=$8,
			active=$9, health=$10, connection_config=$11, updated_at=$12
		WHERE id=$1`,
		p.ID, p.Vendor, p.Name, p.Priority, p.RateLimitRPM, p.RateLimitTPM,
		p.CostPer1kInput, p.CostPer1kOutput, p.Active, string(p.Health),
		connCfg, p.UpdatedAt)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Models ---

const modelColumns = `id, provider_id, model_id, capabilities, max_tokens,
	context_window, cost_per_1k_input, cost_per_1k_output, use_cases, tier,
	is_default, active`

func scanModel(row interface{ Scan(...any) error }) (*types.Model, error) {
	var m types.Model
	err := row.Scan(&m.ID, &m.ProviderID, &m.ModelID,
		pq.Array(&m.Capabilities), &m.MaxTokens, &m.ContextWindow,
		&m.CostPer1kInput, &m.CostPer1kOutput, pq.Array(&m.UseCases),
		&m.Tier, &m.IsDefault, &m.Active)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]types.Model, error) {
	return s.queryModels(ctx, `SELECT `+modelColumns+` FROM models ORDER BY id`)
}

func (s *PostgresStore) ListModelsByProvider(ctx context.Context, providerID string) ([]types.Model, error) {
	return s.queryModels(ctx,
		`SELECT `+modelColumns+` FROM models WHERE provider_id = $1 ORDER BY id`, providerID)
}

func (s *PostgresStore) queryModels(ctx context.Context, query string, args ...any) ([]types.Model, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*types.Model, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = $1`, id)
	return scanModel(row)
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *types.Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, provider_id, model_id, capabilities, max_tokens,
			context_window, cost_per_1k_input, cost_per_1k_output, use_cases,
			tier, is_default, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.ID, m.ProviderID, m.ModelID, pq.Array(m.Capabilities), m.MaxTokens,
		m.ContextWindow, m.CostPer1kInput, m.CostPer1kOutput,
		pq.Array(m.UseCases), m.Tier, m.IsDefault, m.Active)
	return err
}

func (s *PostgresStore) UpdateModel(ctx context.Context, m *types.Model) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE models SET provider_id=$2, model_id=$3, capabilities=$4,
			max_tokens=$5, context_window=$6, cost_per_1k_input=$7,
			cost_per_1k_output=$8, use_cases=$9, tier=$10, is_default=$11,
			active=$12
		WHERE id=$1`,
		m.ID, m.ProviderID, m.ModelID, pq.Array(m.Capabilities), m.MaxTokens,
		m.ContextWindow, m.CostPer1kInput, m.CostPer1kOutput,
		pq.Array(m.UseCases), m.Tier, m.IsDefault, m.Active)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Fallback chains ---

func scanChain(row interface{ Scan(...any) error }) (*types.FallbackChain, error) {
	var c types.FallbackChain
	var entries []byte
	err := row.Scan(&c.ID, &c.UseCase, &entries, &c.MaxRetries,
		&c.RetryDelayMsBase, &c.TimeoutMs, &c.BudgetLimit, &c.IsDefault)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &c.Entries); err != nil {
			return nil, fmt.Errorf("decode chain entries: %w", err)
		}
	}
	return &c, nil
}

const chainColumns = `id, use_case, entries, max_retries, retry_delay_ms_base,
	timeout_ms, budget_limit, is_default`

func (s *PostgresStore) ListChains(ctx context.Context) ([]types.FallbackChain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chainColumns+` FROM fallback_chains ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FallbackChain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetChain(ctx context.Context, id string) (*types.FallbackChain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chainColumns+` FROM fallback_chains WHERE id = $1`, id)
	return scanChain(row)
}

func (s *PostgresStore) GetChainForUseCase(ctx context.Context, useCase string) (*types.FallbackChain, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chainColumns+` FROM fallback_chains
		WHERE use_case = $1 OR is_default
		ORDER BY (use_case = $1) DESC
		LIMIT 1`, useCase)
	return scanChain(row)
}

func (s *PostgresStore) CreateChain(ctx context.Context, c *types.FallbackChain) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	entries, err := json.Marshal(c.Entries)
	if err != nil {
		return fmt.Errorf("encode chain entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fallback_chains (id, use_case, entries, max_retries,
			retry_delay_ms_base, timeout_ms, budget_limit, is_default)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.UseCase, entries, c.MaxRetries, c.RetryDelayMsBase,
		c.TimeoutMs, c.BudgetLimit, c.IsDefault)
	return err
}

func (s *PostgresStore) UpdateChain(ctx context.Context, c *types.FallbackChain) error {
	entries, err := json.Marshal(c.Entries)
	if err != nil {
		return fmt.Errorf("encode chain entries: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE fallback_chains SET use_case=$2, entries=$3, max_retries=$4,
			retry_delay_ms_base=$5, timeout_ms=$6, budget_limit=$7, is_default=$8
		WHERE id=$1`,
		c.ID, c.UseCase, entries, c.MaxRetries, c.RetryDelayMsBase,
		c.TimeoutMs, c.BudgetLimit, c.IsDefault)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteChain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fallback_chains WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Budgets ---

const budgetColumns = `id, tenant_id, learner_id, period, budget_amount,
	spent_amount, alert_threshold, hard_limit, updated_at`

func scanBudget(row interface{ Scan(...any) error }) (*types.Budget, error) {
	var b types.Budget
	var tenantID, learnerID sql.NullString
	err := row.Scan(&b.ID, &tenantID, &learnerID, &b.Period, &b.BudgetAmount,
		&b.SpentAmount, &b.AlertThreshold, &b.HardLimit, &b.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	b.TenantID = tenantID.String
	b.LearnerID = learnerID.String
	return &b, nil
}

func (s *PostgresStore) ListBudgets(ctx context.Context) ([]types.Budget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetActiveBudget(ctx context.Context, scope BudgetScope) (*types.Budget, error) {
	// Learner budgets take precedence over tenant budgets.
	if scope.LearnerID != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+budgetColumns+` FROM budgets WHERE learner_id = $1 LIMIT 1`,
			scope.LearnerID)
		b, err := scanBudget(row)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if scope.TenantID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+budgetColumns+` FROM budgets
		WHERE tenant_id = $1 AND (learner_id IS NULL OR learner_id = '')
		LIMIT 1`, scope.TenantID)
	return scanBudget(row)
}

func (s *PostgresStore) CreateBudget(ctx context.Context, b *types.Budget) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (id, tenant_id, learner_id, period, budget_amount,
			spent_amount, alert_threshold, hard_limit, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.TenantID, b.LearnerID, b.Period, b.BudgetAmount,
		b.SpentAmount, b.AlertThreshold, b.HardLimit, b.UpdatedAt)
	return err
}

// IncrementBudgetSpent adds cost to spent_amount atomically in the database.
func (s *PostgresStore) IncrementBudgetSpent(ctx context.Context, budgetID string, cost float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE budgets SET spent_amount = spent_amount + $2, updated_at = NOW()
		WHERE id = $1`, budgetID, cost)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Tenant limits ---

func (s *PostgresStore) GetTenantLimits(ctx context.Context, tenantID string) (*types.TenantLimits, error) {
	var l types.TenantLimits
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, allowed_providers, blocked_providers, max_daily_llm_calls
		FROM tenant_limits WHERE tenant_id = $1`, tenantID)
	err := row.Scan(&l.TenantID, pq.Array(&l.AllowedProviders),
		pq.Array(&l.BlockedProviders), &l.MaxDailyLLMCalls)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &l, nil
}

func (s *PostgresStore) PutTenantLimits(ctx context.Context, limits *types.TenantLimits) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_limits (tenant_id, allowed_providers, blocked_providers, max_daily_llm_calls)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id) DO UPDATE SET
			allowed_providers = EXCLUDED.allowed_providers,
			blocked_providers = EXCLUDED.blocked_providers,
			max_daily_llm_calls = EXCLUDED.max_daily_llm_calls`,
		limits.TenantID, pq.Array(limits.AllowedProviders),
		pq.Array(limits.BlockedProviders), limits.MaxDailyLLMCalls)
	return err
}

// --- Usage ---

func (s *PostgresStore) AppendUsage(ctx context.Context, entry *types.UsageLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (id, provider_id, model_id, tenant_id, learner_id,
			user_id, use_case, request_id, input_tokens, output_tokens, cost,
			latency_ms, success, fallback_used, fallback_from, error_message,
			created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		entry.ID, entry.ProviderID, entry.ModelID, entry.TenantID,
		entry.LearnerID, entry.UserID, entry.UseCase, entry.RequestID,
		entry.InputTokens, entry.OutputTokens, entry.Cost, entry.LatencyMs,
		entry.Success, entry.FallbackUsed, entry.FallbackFrom,
		entry.ErrorMessage, entry.CreatedAt)
	return err
}

func usageWhere(filter UsageFilter) (string, []any) {
	where := "1=1"
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}
	if filter.TenantID != "" {
		add("tenant_id =", filter.TenantID)
	}
	if filter.LearnerID != "" {
		add("learner_id =", filter.LearnerID)
	}
	if filter.ProviderID != "" {
		add("provider_id =", filter.ProviderID)
	}
	if filter.UseCase != "" {
		add("use_case =", filter.UseCase)
	}
	if !filter.Since.IsZero() {
		add("created_at >=", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at <", filter.Until)
	}
	return where, args
}

func (s *PostgresStore) ListUsage(ctx context.Context, filter UsageFilter) ([]types.UsageLogEntry, error) {
	where, args := usageWhere(filter)
	query := `
		SELECT id, provider_id, model_id, tenant_id, learner_id, user_id,
			use_case, request_id, input_tokens, output_tokens, cost, latency_ms,
			success, fallback_used, fallback_from, error_message, created_at
		FROM usage_log WHERE ` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.UsageLogEntry
	for rows.Next() {
		var e types.UsageLogEntry
		var fallbackFrom, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.ModelID, &e.TenantID,
			&e.LearnerID, &e.UserID, &e.UseCase, &e.RequestID, &e.InputTokens,
			&e.OutputTokens, &e.Cost, &e.LatencyMs, &e.Success,
			&e.FallbackUsed, &fallbackFrom, &errMsg, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FallbackFrom = fallbackFrom.String
		e.ErrorMessage = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SummarizeUsage(ctx context.Context, filter UsageFilter) ([]UsageSummary, error) {
	where, args := usageWhere(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0),
			COUNT(*) FILTER (WHERE fallback_used)
		FROM usage_log WHERE `+where+`
		GROUP BY provider_id ORDER BY provider_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.ProviderID, &u.Requests, &u.Successes,
			&u.Failures, &u.InputTokens, &u.OutputTokens, &u.TotalCost,
			&u.AvgLatencyMs, &u.FallbackCount); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CostSeries(ctx context.Context, filter UsageFilter) ([]CostPoint, error) {
	where, args := usageWhere(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT TO_CHAR(created_at, 'YYYY-MM-DD') AS day, COALESCE(SUM(cost), 0)
		FROM usage_log WHERE `+where+`
		GROUP BY day ORDER BY day`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostPoint
	for rows.Next() {
		var p CostPoint
		if err := rows.Scan(&p.Day, &p.Cost); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Experiments ---

func scanExperiment(row interface{ Scan(...any) error }) (*types.Experiment, error) {
	var e types.Experiment
	var variants []byte
	err := row.Scan(&e.ID, &e.UseCase, &e.TrafficPercent, &variants, &e.Status)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &e.Variants); err != nil {
			return nil, fmt.Errorf("decode variants: %w", err)
		}
	}
	return &e, nil
}

const experimentColumns = `id, use_case, traffic_percent, variants, status`

func (s *PostgresStore) ListExperiments(ctx context.Context) ([]types.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*types.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	return scanExperiment(row)
}

func (s *PostgresStore) GetActiveExperiment(ctx context.Context, useCase string) (*types.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+experimentColumns+` FROM experiments
		WHERE status = 'ACTIVE' AND LOWER(use_case) = LOWER($1)
		LIMIT 1`, useCase)
	return scanExperiment(row)
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, e *types.Experiment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, use_case, traffic_percent, variants, status)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.UseCase, e.TrafficPercent, variants, e.Status)
	return err
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, e *types.Experiment) error {
	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET use_case=$2, traffic_percent=$3, variants=$4, status=$5
		WHERE id=$1`,
		e.ID, e.UseCase, e.TrafficPercent, variants, e.Status)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresStore) DeleteExperiment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Health log ---

func (s *PostgresStore) AppendHealthLog(ctx context.Context, entry *types.HealthLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CheckedAt.IsZero() {
		entry.CheckedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_log (id, provider_id, status, latency_ms, error, checked_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.ProviderID, entry.Status, entry.LatencyMs,
		entry.Error, entry.CheckedAt)
	return err
}

func (s *PostgresStore) ListHealthLogs(ctx context.Context, providerID string, limit int) ([]types.HealthLogEntry, error) {
	query := `
		SELECT id, provider_id, status, latency_ms, error, checked_at
		FROM health_log`
	var args []any
	if providerID != "" {
		args = append(args, providerID)
		query += " WHERE provider_id = $1"
	}
	query += " ORDER BY checked_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.HealthLogEntry
	for rows.Next() {
		var e types.HealthLogEntry
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.ProviderID, &e.Status, &e.LatencyMs,
			&errMsg, &e.CheckedAt); err != nil {
			return nil, err
		}
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}
