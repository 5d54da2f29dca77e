// Package ratelimit admits or denies requests against per-tenant minute/hour
// ceilings and tracks usage, backed by windowed atomic Redis counters with
// usage_logs as the durable record for arbitrary-range Stats queries.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"cortexgate/internal/domain"
	"cortexgate/internal/knowledge"
)

// Decision is the result of Admit.
type Decision struct {
	Allow  bool
	Reason string
}

// Usage is the CurrentUsage snapshot for a tenant.
type Usage struct {
	ReqPerMin   int64
	TokPerMin   int64
	CostPerMin  float64
	ReqPerHour  int64
	TokPerHour  int64
	CostPerHour float64
}

// Pricing resolves a model's per-1K-token input/output price. Unknown
// models fall back to DefaultInputPricePerK/DefaultOutputPricePerK.
type Pricing struct {
	InputPerK  map[string]float64
	OutputPerK map[string]float64
}

const (
	DefaultInputPricePerK  = 0.50
	DefaultOutputPricePerK = 1.50
)

func (p Pricing) estimate(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	in := DefaultInputPricePerK
	out := DefaultOutputPricePerK
	if v, ok := p.InputPerK[model]; ok {
		in = v
	}
	if v, ok := p.OutputPerK[model]; ok {
		out = v
	}
	return in*float64(inputTokens)/1000 + out*float64(outputTokens)/1000
}

// Limits configures the admission ceilings.
type Limits struct {
	PerMinute int
	PerHour   int
}

// Engine implements Admit/RecordChatCompletion/RecordEmbedding/CurrentUsage/Stats.
type Engine struct {
	redis   *redis.Client
	store   knowledge.Store
	limits  Limits
	pricing Pricing
}

func New(redisClient *redis.Client, store knowledge.Store, limits Limits, pricing Pricing) *Engine {
	return &Engine{redis: redisClient, store: store, limits: limits, pricing: pricing}
}

func minuteKey(tenantID string, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:min:%s:req", tenantID, t.UTC().Format("200601021504"))
}

func hourKey(tenantID string, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:hour:%s:req", tenantID, t.UTC().Format("2006010215"))
}

// Admit consults both windows without mutating them. Fails open: any Redis
// error is logged and treated as allow, per the documented fail-open
// semantics for counter-store outages.
func (e *Engine) Admit(ctx context.Context, tenantID string) Decision {
	now := time.Now()
	minCount, err := e.redis.Get(ctx, minuteKey(tenantID, now)).Int64()
	if err != nil && err != redis.Nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ratelimit admit: counter store unavailable, failing open")
		return Decision{Allow: true}
	}
	if e.limits.PerMinute > 0 && minCount >= int64(e.limits.PerMinute) {
		return Decision{Allow: false, Reason: "per-minute request ceiling exceeded"}
	}

	hourCount, err := e.redis.Get(ctx, hourKey(tenantID, now)).Int64()
	if err != nil && err != redis.Nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ratelimit admit: counter store unavailable, failing open")
		return Decision{Allow: true}
	}
	if e.limits.PerHour > 0 && hourCount >= int64(e.limits.PerHour) {
		return Decision{Allow: false, Reason: "per-hour request ceiling exceeded"}
	}
	return Decision{Allow: true}
}

// RecordChatCompletion appends a UsageLog and bumps the windowed counters.
func (e *Engine) RecordChatCompletion(ctx context.Context, tenantID, userID, sessionID, requestID, model string, promptTokens, completionTokens, knowledgeTokens int) {
	cost := e.pricing.estimate(model, promptTokens, completionTokens)
	e.record(ctx, tenantID, promptTokens+completionTokens+knowledgeTokens, cost)

	entry := domain.UsageLog{
		TenantID: tenantID, UserID: userID, SessionID: sessionID, RequestID: requestID, Model: model,
		InputTokens: promptTokens, OutputTokens: completionTokens, KnowledgeTokens: knowledgeTokens,
		Cost: cost, Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendUsageLog(ctx, entry); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ratelimit record: usage log persistence failed")
	}
}

// RecordEmbedding is RecordChatCompletion with zero output/knowledge tokens.
func (e *Engine) RecordEmbedding(ctx context.Context, tenantID, userID, sessionID, requestID, model string, tokens int) {
	e.RecordChatCompletion(ctx, tenantID, userID, sessionID, requestID, model, tokens, 0, 0)
}

func (e *Engine) record(ctx context.Context, tenantID string, tokens int, cost float64) {
	now := time.Now()
	if err := e.bumpWindow(ctx, minuteKey(tenantID, now), tokens, cost, time.Minute); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ratelimit record: counter store unavailable, dropping increment")
	}
	if err := e.bumpWindow(ctx, hourKey(tenantID, now), tokens, cost, time.Hour); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("ratelimit record: counter store unavailable, dropping increment")
	}
}

func (e *Engine) bumpWindow(ctx context.Context, reqKey string, tokens int, cost float64, ttl time.Duration) error {
	tokKey := reqKey[:len(reqKey)-len("req")] + "tok"
	costKey := reqKey[:len(reqKey)-len("req")] + "cost"

	pipe := e.redis.TxPipeline()
	pipe.Incr(ctx, reqKey)
	pipe.Expire(ctx, reqKey, ttl)
	pipe.IncrBy(ctx, tokKey, int64(tokens))
	pipe.Expire(ctx, tokKey, ttl)
	pipe.IncrByFloat(ctx, costKey, cost)
	pipe.Expire(ctx, costKey, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// CurrentUsage reports the current minute/hour window counters. On a counter
// store error the corresponding fields are zero rather than failing the
// call, consistent with Admit's fail-open posture.
func (e *Engine) CurrentUsage(ctx context.Context, tenantID string) Usage {
	now := time.Now()
	minReq := e.getInt(ctx, minuteKey(tenantID, now))
	minTok := e.getInt(ctx, tokKeyOf(minuteKey(tenantID, now)))
	minCost := e.getFloat(ctx, costKeyOf(minuteKey(tenantID, now)))
	hourReq := e.getInt(ctx, hourKey(tenantID, now))
	hourTok := e.getInt(ctx, tokKeyOf(hourKey(tenantID, now)))
	hourCost := e.getFloat(ctx, costKeyOf(hourKey(tenantID, now)))
	return Usage{
		ReqPerMin: minReq, TokPerMin: minTok, CostPerMin: minCost,
		ReqPerHour: hourReq, TokPerHour: hourTok, CostPerHour: hourCost,
	}
}

func tokKeyOf(reqKey string) string  { return reqKey[:len(reqKey)-len("req")] + "tok" }
func costKeyOf(reqKey string) string { return reqKey[:len(reqKey)-len("req")] + "cost" }

func (e *Engine) getInt(ctx context.Context, key string) int64 {
	v, err := e.redis.Get(ctx, key).Int64()
	if err != nil {
		return 0
	}
	return v
}

func (e *Engine) getFloat(ctx context.Context, key string) float64 {
	v, err := e.redis.Get(ctx, key).Float64()
	if err != nil {
		return 0
	}
	return v
}

// Stats delegates to the knowledge store, which holds the durable,
// arbitrary-range usage record the ephemeral windowed counters can't serve.
func (e *Engine) Stats(ctx context.Context, tenantID string, from, to time.Time) (knowledge.StatsResult, error) {
	return e.store.UsageStats(ctx, tenantID, from, to)
}
