package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// ServerStatus is the result of probing one server's catalog.
type ServerStatus struct {
	Status      string    `json:"status"`
	ToolCount   *int      `json:"tool_count,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Summary aggregates the probes. TotalTools counts what online servers list right now.
type Summary struct {
	Servers       map[string]ServerStatus `json:"servers"`
	TotalServers  int                     `json:"total_servers"`
	OnlineServers int                     `json:"online_servers"`
	TotalTools    int                     `json:"total_tools"`
}

func (s Summary) Map() map[string]any {
	return map[string]any{
		"servers":        s.Servers,
		"total_servers":  s.TotalServers,
		"online_servers": s.OnlineServers,
		"total_tools":    s.TotalTools,
	}
}

// Status polls every server's ListTools concurrently. It has no side effects.
func (o *Orchestrator) Status(ctx context.Context) Summary {
	order := o.Servers()
	probes := make([]ServerStatus, len(order))

	var g errgroup.Group
	for i, name := range order {
		g.Go(func() error {
			probes[i] = o.probe(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Servers: make(map[string]ServerStatus, len(order)), TotalServers: len(order)}
	for i, name := range order {
		p := probes[i]
		sum.Servers[name] = p
		if p.Status == StatusOnline {
			sum.OnlineServers++
			sum.TotalTools += *p.ToolCount
		}
	}
	return sum
}

func (o *Orchestrator) probe(ctx context.Context, name string) (st ServerStatus) {
	defer func() {
		if r := recover(); r != nil {
			st = ServerStatus{Status: StatusOffline, Error: fmt.Sprint(r), LastChecked: time.Now().UTC()}
		}
		if st.Status == StatusOffline {
			o.logger.Warn("server offline", "server", name, "error", st.Error)
		}
	}()
	list, err := o.members[name].srv.ListTools(ctx)
	if err != nil {
		return ServerStatus{Status: StatusOffline, Error: err.Error(), LastChecked: time.Now().UTC()}
	}
	n := len(list)
	return ServerStatus{Status: StatusOnline, ToolCount: &n, LastChecked: time.Now().UTC()}
}

// ServerHealth is one server's entry in a health report.
type ServerHealth struct {
	Status         string `json:"status"`
	ToolsAvailable int    `json:"tools_available"`
	ResponseTime   string `json:"response_time"`
	Error          string `json:"error,omitempty"`
}

// Health is the overall report: healthy only when every server answers.
type Health struct {
	OverallStatus string                  `json:"overall_status"`
	Servers       map[string]ServerHealth `json:"servers"`
	Timestamp     time.Time               `json:"timestamp"`
}

func (h Health) Map() map[string]any {
	return map[string]any{
		"overall_status": h.OverallStatus,
		"servers":        h.Servers,
		"timestamp":      h.Timestamp,
	}
}

// Health probes every server and times each probe.
func (o *Orchestrator) Health(ctx context.Context) Health {
	order := o.Servers()
	type timed struct {
		status  ServerStatus
		elapsed time.Duration
	}
	probes := make([]timed, len(order))

	var g errgroup.Group
	for i, name := range order {
		g.Go(func() error {
			start := time.Now()
			probes[i] = timed{status: o.probe(ctx, name), elapsed: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()

	h := Health{OverallStatus: HealthHealthy, Servers: make(map[string]ServerHealth, len(order)), Timestamp: time.Now().UTC()}
	for i, name := range order {
		p := probes[i]
		entry := ServerHealth{Status: HealthHealthy, ResponseTime: p.elapsed.Round(time.Microsecond).String()}
		if p.status.Status == StatusOnline {
			entry.ToolsAvailable = *p.status.ToolCount
		} else {
			entry.Status = "unhealthy"
			entry.Error = p.status.Error
			h.OverallStatus = HealthDegraded
		}
		h.Servers[name] = entry
	}
	return h
}
