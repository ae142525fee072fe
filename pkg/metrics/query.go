// Package metrics queries Prometheus for per-project LLM usage.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	llmmetrics "appforge/pkg/agent/middleware/metrics"
	"appforge/pkg/logx"
)

// Usage is the token usage of a project, or of one stage of it.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Requests         int64 `json:"requests"`
	FailedRequests   int64 `json:"failed_requests"`
}

// ProjectUsage aggregates usage for a project across models and stages.
type ProjectUsage struct {
	ProjectID string           `json:"project_id"`
	Usage                      // totals
	ByStage   map[string]Usage `json:"by_stage,omitempty"`
	Models    []string         `json:"models,omitempty"`
}

// querier is the subset of the Prometheus HTTP API the service needs.
type querier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// QueryService reads usage metrics from Prometheus.
type QueryService struct {
	queryAPI querier
	logger   *logx.Logger
	now      func() time.Time
}

// NewQueryService creates a query service for the Prometheus server at
// prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return newQueryService(v1.NewAPI(client)), nil
}

func newQueryService(q querier) *QueryService {
	return &QueryService{queryAPI: q, logger: logx.NewLogger("metrics"), now: time.Now}
}

// GetProjectUsage sums token and request counters for projectID, in total
// and per stage.
func (q *QueryService) GetProjectUsage(ctx context.Context, projectID string) (*ProjectUsage, error) {
	usage := &ProjectUsage{ProjectID: projectID, ByStage: make(map[string]Usage)}

	tokens, err := q.query(ctx, fmt.Sprintf(`sum by (stage, type) (%s{project_id=%q})`, llmmetrics.MetricTokensTotal, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	for _, sample := range tokens {
		stage := string(sample.Metric["stage"])
		u := usage.ByStage[stage]
		switch sample.Metric["type"] {
		case "prompt":
			u.PromptTokens += int64(sample.Value)
		case "completion":
			u.CompletionTokens += int64(sample.Value)
		}
		usage.ByStage[stage] = u
	}

	requests, err := q.query(ctx, fmt.Sprintf(`sum by (stage, status) (%s{project_id=%q})`, llmmetrics.MetricRequestsTotal, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	for _, sample := range requests {
		stage := string(sample.Metric["stage"])
		u := usage.ByStage[stage]
		u.Requests += int64(sample.Value)
		if sample.Metric["status"] != "success" {
			u.FailedRequests += int64(sample.Value)
		}
		usage.ByStage[stage] = u
	}

	for stage, u := range usage.ByStage {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		usage.ByStage[stage] = u
		usage.PromptTokens += u.PromptTokens
		usage.CompletionTokens += u.CompletionTokens
		usage.Requests += u.Requests
		usage.FailedRequests += u.FailedRequests
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	models, err := q.query(ctx, fmt.Sprintf(`group by (model) (%s{project_id=%q})`, llmmetrics.MetricTokensTotal, projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	for _, sample := range models {
		if name, ok := sample.Metric["model"]; ok {
			usage.Models = append(usage.Models, string(name))
		}
	}
	sort.Strings(usage.Models)

	return usage, nil
}

func (q *QueryService) query(ctx context.Context, promql string) (model.Vector, error) {
	result, warnings, err := q.queryAPI.Query(ctx, promql, q.now())
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		q.logger.Warn("prometheus warning for %s: %s", promql, w)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, nil
	}
	return vector, nil
}
