// Package metrics persists per-request LLM accounting records and
// serves live aggregates over them. Queries fail soft: storage errors
// produce zero aggregates, never a failed caller.
package metrics

import (
	"context"
	"encoding/json"
	"time"

	"kodex/internal/store"

	"github.com/rs/zerolog"
)

const storeName = "metrics"

// Record 单次 LLM 请求的计量记录；TotalTokens 缺省为输入+输出
// Record is one LLM request's accounting entry. TotalTokens defaults
// to InputTokens+OutputTokens when zero.
type Record struct {
	TS            int64  `json:"ts"` // unix millis
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	RequestID     string `json:"requestId"`
	InputTokens   int64  `json:"inputTokens"`
	OutputTokens  int64  `json:"outputTokens"`
	TotalTokens   int64  `json:"totalTokens"`
	LatencyMS     int64  `json:"latencyMs"`
	Success       bool   `json:"success"`
	ErrorCategory string `json:"errorCategory,omitempty"`
}

// Filter narrows an aggregation. Zero fields match everything.
type Filter struct {
	Since    time.Time
	Provider string
	Model    string
}

// Aggregate is the rolled-up view over matching records.
type Aggregate struct {
	RequestCount     int64   `json:"requestCount"`
	SuccessCount     int64   `json:"successCount"`
	FailureCount     int64   `json:"failureCount"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	AverageLatencyMS float64 `json:"averageLatencyMs"`
}

type Pipeline struct {
	store store.Store
	log   zerolog.Logger
}

func NewPipeline(s store.Store, log zerolog.Logger) *Pipeline {
	return &Pipeline{store: s, log: log}
}

// Record persists one entry. The timestamp defaults to now and
// TotalTokens to InputTokens+OutputTokens.
func (p *Pipeline) Record(ctx context.Context, rec Record) error {
	if rec.TS == 0 {
		rec.TS = time.Now().UnixMilli()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	}
	if _, err := p.store.Put(ctx, storeName, rec); err != nil {
		p.log.Warn().Err(err).Str("provider", rec.Provider).Msg("metrics record dropped")
		return err
	}
	return nil
}

// Query 选择最匹配单一过滤条件的索引做范围扫描，再在内存里套用全部
// 条件保证正确性；查询失败返回全零聚合。
// Query picks the index that best matches a single filter for the range
// scan, then re-applies every filter in code for correctness. Failed
// queries return a zero aggregate.
func (p *Pipeline) Query(ctx context.Context, f Filter) Aggregate {
	var agg Aggregate
	var totalLatency int64

	collect := func(raw json.RawMessage) {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return
		}
		if !matches(rec, f) {
			return
		}
		agg.RequestCount++
		if rec.Success {
			agg.SuccessCount++
		} else {
			agg.FailureCount++
		}
		agg.InputTokens += rec.InputTokens
		agg.OutputTokens += rec.OutputTokens
		agg.TotalTokens += rec.TotalTokens
		totalLatency += rec.LatencyMS
	}

	if err := p.scan(ctx, f, collect); err != nil {
		p.log.Warn().Err(err).Msg("metrics query failed, returning zeros")
		return Aggregate{}
	}
	if agg.RequestCount > 0 {
		agg.AverageLatencyMS = float64(totalLatency) / float64(agg.RequestCount)
	}
	return agg
}

func (p *Pipeline) scan(ctx context.Context, f Filter, collect func(json.RawMessage)) error {
	fn := func(_ string, raw json.RawMessage) (bool, error) {
		collect(raw)
		return true, nil
	}
	switch {
	case f.Provider != "":
		return p.store.ScanIndex(ctx, storeName, "provider", f.Provider, f.Provider, fn)
	case f.Model != "":
		return p.store.ScanIndex(ctx, storeName, "model", f.Model, f.Model, fn)
	case !f.Since.IsZero():
		return p.store.ScanIndex(ctx, storeName, "ts", f.Since.UnixMilli(), nil, fn)
	default:
		raws, err := p.store.GetAll(ctx, storeName)
		if err != nil {
			return err
		}
		for _, raw := range raws {
			collect(raw)
		}
		return nil
	}
}

func matches(rec Record, f Filter) bool {
	if f.Provider != "" && rec.Provider != f.Provider {
		return false
	}
	if f.Model != "" && rec.Model != f.Model {
		return false
	}
	if !f.Since.IsZero() && rec.TS < f.Since.UnixMilli() {
		return false
	}
	return true
}
