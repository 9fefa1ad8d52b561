package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

type span struct{ from, until time.Time }

// trailing splits the time before now into n back-to-back windows of days
// each, newest first. Windows do not overlap.
func trailing(now time.Time, days, n int) []span {
	out := make([]span, 0, n)
	until := now
	for range n {
		from := until.AddDate(0, 0, -days)
		out = append(out, span{from: from, until: until})
		until = from.Add(-time.Second)
	}
	return out
}

func intArg(args map[string]any, key string, def, lo, hi int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	return min(max(cast.ToInt(v), lo), hi)
}

func boolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	return cast.ToBool(v)
}

func (s *Service) analyzeRevenue(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := s.merchant(ctx, args)
	if err != nil {
		return nil, err
	}
	period := cast.ToString(args["period"])
	days, ok := timeframes[period]
	if !ok {
		days = timeframes["month"]
	}
	n := intArg(args, "comparison_periods", 3, 1, 12)

	rows := make([]map[string]any, 0, n)
	revenues := make([]float64, 0, n)
	for _, w := range trailing(s.now().UTC(), days, n) {
		total, count, err := s.store.Totals(ctx, Filter{
			MerchantID: id, Type: "INCOME", From: w.from, Until: w.until, Status: "COMPLETED",
		})
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		avg := 0.0
		if count > 0 {
			avg = total / float64(count)
		}
		revenues = append(revenues, total)
		rows = append(rows, map[string]any{
			"period_start":        w.from.Format(time.RFC3339),
			"period_end":          w.until.Format(time.RFC3339),
			"revenue":             total,
			"transaction_count":   count,
			"average_transaction": avg,
		})
	}

	growth := 0.0
	if len(revenues) >= 2 && revenues[1] > 0 {
		growth = (revenues[0] - revenues[1]) / revenues[1] * 100
	}
	out := map[string]any{
		"revenue_analysis":   rows,
		"growth_rate":        growth,
		"period":             period,
		"comparison_periods": n,
		"generated_at":       s.now().UTC().Format(time.RFC3339),
	}
	if boolArg(args, "include_forecasting", false) {
		out["forecast"] = map[string]any{
			"next_period_revenue": mean(revenues),
			"method":              "average of compared periods",
		}
	}
	return out, nil
}

func (s *Service) analyzeCashFlow(ctx context.Context, args map[string]any) (map[string]any, error) {
	id, err := s.merchant(ctx, args)
	if err != nil {
		return nil, err
	}
	months := intArg(args, "period_months", 6, 1, 24)

	monthly := make([]map[string]any, 0, months)
	var incomes, expenses []float64
	for _, w := range trailing(s.now().UTC(), timeframes["month"], months) {
		base := Filter{MerchantID: id, From: w.from, Until: w.until, Status: "COMPLETED"}
		in, _, err := s.store.Totals(ctx, withType(base, "INCOME"))
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		ex, _, err := s.store.Totals(ctx, withType(base, "EXPENSE"))
		if err != nil {
			return nil, fmt.Errorf("database operation failed: %w", err)
		}
		incomes = append(incomes, in)
		expenses = append(expenses, ex)
		monthly = append(monthly, map[string]any{
			"month":         w.from.Format("2006-01"),
			"income":        in,
			"expenses":      ex,
			"net_cash_flow": in - ex,
		})
	}

	avgIn, avgEx := mean(incomes), mean(expenses)
	var projection map[string]any
	if boolArg(args, "include_projection", true) {
		projection = map[string]any{
			"next_month_projected_income":   avgIn,
			"next_month_projected_expenses": avgEx,
			"next_month_projected_net":      avgIn - avgEx,
			"confidence_level":              "Based on historical average",
		}
	}
	return map[string]any{
		"cash_flow_analysis": map[string]any{
			"period_months": months,
			"monthly_data":  monthly,
			"averages": map[string]any{
				"monthly_income":   avgIn,
				"monthly_expenses": avgEx,
				"monthly_net_flow": avgIn - avgEx,
			},
		},
		"projection":   projection,
		"generated_at": s.now().UTC().Format(time.RFC3339),
	}, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
