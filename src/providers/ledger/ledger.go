// Package ledger is a SQL-backed tool provider for merchant transactions,
// summaries and categories.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cast"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

const (
	ServerName    = "financial_db"
	ServerVersion = "1.0.0"

	SchemaURI = "ledger://schema"

	defaultLimit = 100
	maxLimit     = 1000
)

var timeframes = map[string]int{
	"week":    7,
	"month":   30,
	"quarter": 90,
	"year":    365,
}

// Service serves the ledger tools over a Store.
type Service struct {
	*server.Base

	store  *Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for timeframe windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New registers the ledger tools, the schema resource and the review prompt.
func New(store *Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Base = server.NewBase(ServerName, ServerVersion, server.WithLogger(s.logger))

	for _, t := range s.catalog() {
		if err := s.RegisterTool(t); err != nil {
			return nil, err
		}
	}
	if err := s.RegisterResource(tools.Resource{
		URI:         SchemaURI,
		Name:        "Ledger schema",
		Description: "Tables and columns exposed by the ledger tools",
		MimeType:    "application/json",
	}, s.schemaResource); err != nil {
		return nil, err
	}
	if err := s.RegisterPrompt(tools.Prompt{
		Name:        "monthly_review",
		Description: "Review a merchant's last month of income and expenses",
		Arguments: []tools.PromptArgument{
			{Name: "merchant_id", Description: "Merchant user ID", Required: true},
			{Name: "focus", Description: "Optional area to focus on"},
		},
	}, s.monthlyReview); err != nil {
		return nil, err
	}
	return s, nil
}

func merchantID() *schema.Schema { return schema.Integer("Merchant user ID") }

func date(description string) *schema.Schema {
	d := schema.String(description)
	d.Format = "date"
	return d
}

func (s *Service) catalog() []tools.Tool {
	return []tools.Tool{
		{
			Name:        "query_transactions",
			Description: "Query financial transactions with filters",
			Tags:        []string{"ledger", "transactions", "query"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"merchant_id":      merchantID(),
				"transaction_type": schema.Enum("Transaction type", "INCOME", "EXPENSE", "ALL"),
				"category_id":      schema.Integer("Category ID filter"),
				"start_date":       date("Start date (YYYY-MM-DD)"),
				"end_date":         date("End date (YYYY-MM-DD)"),
				"payment_method":   schema.Enum("Payment method", "CASH", "CARD", "BANK_TRANSFER", "MOBILE", "OTHER"),
				"status":           schema.Enum("Transaction status", "COMPLETED", "PENDING", "CANCELLED"),
				"limit":            schema.Integer("Maximum rows").WithRange(schema.Bound(1), schema.Bound(maxLimit)).WithDefault(defaultLimit),
			}, "merchant_id"),
			Handler: s.queryTransactions,
		},
		{
			Name:        "generate_summary",
			Description: "Generate financial summary reports",
			Tags:        []string{"ledger", "summary", "report"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"merchant_id":        merchantID(),
				"timeframe":          schema.Enum("Reporting window", "week", "month", "quarter", "year", "custom"),
				"start_date":         date("Custom start date"),
				"end_date":           date("Custom end date"),
				"include_categories": schema.Boolean("Include category breakdown").WithDefault(true),
			}, "merchant_id", "timeframe"),
			Handler: s.generateSummary,
		},
		{
			Name:        "analyze_expenses",
			Description: "Analyze expense patterns and categories",
			Tags:        []string{"ledger", "expenses", "analysis"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"merchant_id":    merchantID(),
				"period":         schema.Enum("Analysis window", "month", "quarter", "year"),
				"top_categories": schema.Integer("Number of categories to return").WithRange(schema.Bound(1), schema.Bound(20)).WithDefault(10),
			}, "merchant_id", "period"),
			Handler: s.analyzeExpenses,
		},
		{
			Name:        "analyze_revenue",
			Description: "Analyze revenue trends and patterns",
			Tags:        []string{"ledger", "revenue", "analysis"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"merchant_id":         merchantID(),
				"period":              schema.Enum("Length of each compared period", "month", "quarter", "year"),
				"comparison_periods":  schema.Integer("Number of periods to compare").WithRange(schema.Bound(1), schema.Bound(12)).WithDefault(3),
				"include_forecasting": schema.Boolean("Forecast the next period").WithDefault(false),
			}, "merchant_id", "period"),
			Handler: s.analyzeRevenue,
		},
		{
			Name:        "analyze_cash_flow",
			Description: "Analyze cash flow patterns and projections",
			Tags:        []string{"ledger", "cash_flow", "analysis"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"merchant_id":        merchantID(),
				"period_months":      schema.Integer("Number of months to analyze").WithRange(schema.Bound(1), schema.Bound(24)).WithDefault(6),
				"include_projection": schema.Boolean("Project next month from the averages").WithDefault(true),
			}, "merchant_id"),
			Handler: s.analyzeCashFlow,
		},
		{
			Name:        "manage_categories",
			Description: "List and manage transaction categories",
			Tags:        []string{"ledger", "categories"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"action":        schema.Enum("Operation", "list", "create", "update"),
				"category_type": schema.Enum("Category type", "INCOME", "EXPENSE"),
				"name":          schema.String("Category name"),
				"description":   schema.String("Category description"),
				"category_id":   schema.Integer("Category ID for updates"),
			}, "action"),
			Handler: s.manageCategories,
		},
	}
}

func (s *Service) merchant(ctx context.Context, args map[string]any) (int64, error) {
	id, err := cast.ToInt64E(args["merchant_id"])
	if err != nil {
		return 0, protocol.InvalidParams("merchant_id", "merchant_id must be an integer")
	}
	ok, err := s.store.MerchantExists(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("database operation failed: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMerchantNotFound, id)
	}
	return id, nil
}

func parseDate(args map[string]any, field string) (time.Time, error) {
	raw, ok := args[field]
	if !ok {
		return time.Time{}, nil
	}
	d, err := time.Parse(time.DateOnly, cast.ToString(raw))
	if err != nil {
		return time.Time{}, protocol.InvalidParams(field, fmt.Sprintf("Field %s must be a YYYY-MM-DD date", field))
	}
	return d, nil
}

// endOfDay makes a date bound inclusive of the whole day.
func endOfDay(d time.Time) time.Time {
	if d.IsZero() {
		return d
	}
	return d.Add(24*time.Hour - time.Second)
}

func (s *Service) queryTransactions(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := s.merchant(ctx, args)
	if err != nil {
		return nil, err
	}
	from, err := parseDate(args, "start_date")
	if err != nil {
		return nil, err
	}
	until, err := parseDate(args, "end_date")
	if err != nil {
		return nil, err
	}
	limit := defaultLimit
	if v, ok := args["limit"]; ok {
		limit = min(max(cast.ToInt(v), 1), maxLimit)
	}

	rows, err := s.store.Transactions(ctx, Filter{
		MerchantID:    id,
		Type:          cast.ToString(args["transaction_type"]),
		CategoryID:    cast.ToInt64(args["category_id"]),
		From:          from,
		Until:         endOfDay(until),
		PaymentMethod: cast.ToString(args["payment_method"]),
		Status:        cast.ToString(args["status"]),
		Limit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}

	applied := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			applied[k] = v
		}
	}
	return map[string]any{
		"transactions":    rows,
		"total_count":     len(rows),
		"filters_applied": applied,
	}, nil
}

func (s *Service) window(args map[string]any, timeframe string) (time.Time, time.Time, error) {
	now := s.now().UTC()
	if timeframe != "custom" {
		days, ok := timeframes[timeframe]
		if !ok {
			days = timeframes["month"]
		}
		return now.AddDate(0, 0, -days), now, nil
	}
	from, err := parseDate(args, "start_date")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	until, err := parseDate(args, "end_date")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	switch {
	case from.IsZero():
		return time.Time{}, time.Time{}, protocol.InvalidParams("start_date", "start_date is required for a custom timeframe")
	case until.IsZero():
		return time.Time{}, time.Time{}, protocol.InvalidParams("end_date", "end_date is required for a custom timeframe")
	case until.Before(from):
		return time.Time{}, time.Time{}, protocol.InvalidParams("end_date", "end_date must not be before start_date")
	}
	return from, endOfDay(until), nil
}

func (s *Service) generateSummary(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := s.merchant(ctx, args)
	if err != nil {
		return nil, err
	}
	timeframe := cast.ToString(args["timeframe"])
	from, until, err := s.window(args, timeframe)
	if err != nil {
		return nil, err
	}

	base := Filter{MerchantID: id, From: from, Until: until, Status: "COMPLETED"}
	income, incomeN, err := s.store.Totals(ctx, withType(base, "INCOME"))
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	expenses, expenseN, err := s.store.Totals(ctx, withType(base, "EXPENSE"))
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}

	breakdown := map[string]any{}
	if v, ok := args["include_categories"]; !ok || cast.ToBool(v) {
		exp, err := s.store.CategoryTotals(ctx, withType(base, "EXPENSE"))
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		inc, err := s.store.CategoryTotals(ctx, withType(base, "INCOME"))
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		breakdown["expenses"] = exp
		breakdown["income"] = inc
	}

	return map[string]any{
		"summary": map[string]any{
			"merchant_id":       id,
			"timeframe":         timeframe,
			"start_date":        from.Format(time.RFC3339),
			"end_date":          until.Format(time.RFC3339),
			"total_income":      income,
			"total_expenses":    expenses,
			"net_balance":       income - expenses,
			"transaction_count": incomeN + expenseN,
		},
		"category_breakdown": breakdown,
		"generated_at":       s.now().UTC().Format(time.RFC3339),
	}, nil
}

func withType(f Filter, typ string) Filter {
	f.Type = typ
	return f
}

func (s *Service) analyzeExpenses(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := s.merchant(ctx, args)
	if err != nil {
		return nil, err
	}
	period := cast.ToString(args["period"])
	from, until, err := s.window(args, period)
	if err != nil {
		return nil, err
	}
	top := 10
	if v, ok := args["top_categories"]; ok {
		top = min(max(cast.ToInt(v), 1), 20)
	}

	f := Filter{MerchantID: id, Type: "EXPENSE", From: from, Until: until, Status: "COMPLETED"}
	total, n, err := s.store.Totals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	f.Limit = top
	cats, err := s.store.CategoryTotals(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}

	breakdown := make([]map[string]any, 0, len(cats))
	for _, c := range cats {
		pct := 0.0
		if total > 0 {
			pct = c.Amount / total * 100
		}
		breakdown = append(breakdown, map[string]any{
			"category":   c.Category,
			"amount":     c.Amount,
			"count":      c.Count,
			"percentage": pct,
		})
	}
	return map[string]any{
		"expense_analysis": map[string]any{
			"period":             period,
			"total_expenses":     total,
			"transaction_count":  n,
			"category_breakdown": breakdown,
		},
		"generated_at": s.now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) manageCategories(ctx context.Context, args map[string]any) (map[string]any, error) {
	switch action := cast.ToString(args["action"]); action {
	case "list":
		cats, err := s.store.Categories(ctx)
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		return map[string]any{"categories": cats, "total_count": len(cats)}, nil

	case "create":
		name := cast.ToString(args["name"])
		if name == "" {
			return nil, protocol.InvalidParams("name", "Category name is required")
		}
		typ := cast.ToString(args["category_type"])
		if typ == "" {
			typ = "EXPENSE"
		}
		c, err := s.store.CreateCategory(ctx, Category{
			Name:        name,
			Type:        typ,
			Description: cast.ToString(args["description"]),
		}, s.now())
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		s.logger.Info("category created", "id", c.ID, "name", c.Name)
		return map[string]any{"created_category": c}, nil

	case "update":
		id := cast.ToInt64(args["category_id"])
		if id <= 0 {
			return nil, protocol.InvalidParams("category_id", "Category ID is required for updates")
		}
		var name, desc *string
		if v, ok := args["name"]; ok {
			n := cast.ToString(v)
			name = &n
		}
		if v, ok := args["description"]; ok {
			d := cast.ToString(v)
			desc = &d
		}
		c, err := s.store.UpdateCategory(ctx, id, name, desc)
		if err != nil {
			return nil, err
		}
		return map[string]any{"updated_category": c}, nil

	default:
		return nil, protocol.InvalidParams("action", "Unknown action: "+action)
	}
}

var schemaDoc = map[string]any{
	"merchants":  []string{"id", "name"},
	"categories": []string{"id", "name", "category_type", "description", "created_at"},
	"transactions": []string{
		"id", "merchant_id", "category_id", "amount", "transaction_type",
		"description", "transaction_date", "payment_method", "status", "reference_id",
	},
}

func (s *Service) schemaResource(_ context.Context, uri string) (map[string]any, error) {
	text, err := json.Marshal(map[string]any{"driver": s.store.driver, "tables": schemaDoc})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"contents": []any{
			map[string]any{"uri": uri, "mimeType": "application/json", "text": string(text)},
		},
	}, nil
}

func (s *Service) monthlyReview(_ context.Context, args map[string]any) (map[string]any, error) {
	text := fmt.Sprintf("Review the last month for merchant %s. Call generate_summary with timeframe \"month\" "+
		"and analyze_expenses with period \"month\", then summarise income, expenses, net balance and the largest expense categories.",
		cast.ToString(args["merchant_id"]))
	if focus := cast.ToString(args["focus"]); focus != "" {
		text += " Pay particular attention to " + focus + "."
	}
	return map[string]any{
		"description": "Monthly financial review",
		"messages": []any{
			map[string]any{
				"role":    "user",
				"content": map[string]any{"type": "text", "text": text},
			},
		},
	}, nil
}
