//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

// Package valuation wires the demo valuation pipeline served by the
// valuegraphd binary: parallel fundamental and sentiment branches joined
// into a valuation, gated by a human approval interrupt before the report
// is written.
package valuation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/valuegraph/valuegraph/graph"
)

// State channels.
const (
	ChannelInput        = "input"
	ChannelTicker       = "ticker"
	ChannelFundamentals = "fundamentals"
	ChannelSentiment    = "sentiment"
	ChannelFindings     = "findings"
	ChannelFairValue    = "fair_value"
	ChannelApproved     = "approved"
	ChannelReport       = "report"
	ChannelAsOf         = "as_of"
)

// Schema declares the pipeline's state channels.
func Schema() *graph.StateSchema {
	return graph.NewStateSchema().
		AddField(ChannelInput, graph.StateField{Kind: graph.ValueKindJSON, Required: true}).
		AddField(ChannelTicker, graph.StateField{Kind: graph.ValueKindString}).
		AddField(ChannelFundamentals, graph.StateField{Kind: graph.ValueKindJSON}).
		AddField(ChannelSentiment, graph.StateField{Kind: graph.ValueKindJSON}).
		AddField(ChannelFindings, graph.StateField{
			Kind:    graph.ValueKindJSON,
			Reducer: graph.ReducerAppend,
			Default: func() any { return []any{} },
		}).
		AddField(ChannelFairValue, graph.StateField{Kind: graph.ValueKindDecimal}).
		AddField(ChannelApproved, graph.StateField{Kind: graph.ValueKindJSON}).
		AddField(ChannelReport, graph.StateField{Kind: graph.ValueKindString}).
		AddField(ChannelAsOf, graph.StateField{Kind: graph.ValueKindTime})
}

// Build compiles the demo pipeline.
func Build() (*graph.Graph, error) {
	sg := graph.NewStateGraph(Schema())
	sg.AddNode("parse", parse)
	sg.AddNode("fetch_fundamentals", fetchFundamentals,
		graph.WithRetryPolicy(&graph.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			BackoffFactor:   2,
		}))
	// Sentiment is best effort: the pipeline proceeds without it.
	sg.AddNode("fetch_sentiment", fetchSentiment, graph.WithDegradeOnError(func(err error) graph.State {
		return graph.State{
			ChannelFindings: []any{"sentiment unavailable: " + err.Error()},
		}
	}))
	sg.AddNode("valuate", valuate)
	sg.AddNode("approval", approval)
	sg.AddNode("report", report)

	sg.SetEntryPoint("parse")
	sg.AddEdge("parse", "fetch_fundamentals")
	sg.AddEdge("parse", "fetch_sentiment")
	sg.AddEdge("fetch_fundamentals", "valuate")
	sg.AddEdge("fetch_sentiment", "valuate")
	sg.AddEdge("valuate", "approval")
	sg.AddConditionalEdge("approval", func(_ context.Context, state graph.State) []string {
		if approved, _ := graph.GetStateValue[bool](state, ChannelApproved); approved {
			return []string{"report"}
		}
		return []string{graph.End}
	})
	sg.AddEdge("report", graph.End)
	return sg.Compile()
}

func parse(_ context.Context, state graph.State) (any, error) {
	input, ok := state[ChannelInput]
	if !ok || input == nil {
		return nil, graph.NewError(graph.ErrKindValidation, "input is required")
	}
	ticker := ""
	switch v := input.(type) {
	case string:
		ticker = v
	case map[string]any:
		ticker, _ = v[ChannelTicker].(string)
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, graph.NewError(graph.ErrKindValidation, "input carries no ticker")
	}
	return graph.State{
		ChannelTicker: ticker,
		ChannelAsOf:   time.Now().UTC(),
	}, nil
}

// fetchFundamentals stands in for a market-data call. Deterministic per
// ticker so demo runs are reproducible.
func fetchFundamentals(ctx context.Context, state graph.State) (any, error) {
	ticker, _ := graph.GetStateValue[string](state, ChannelTicker)
	eps := decimal.NewFromInt(int64(3 + len(ticker)%5)).Div(decimal.NewFromInt(2))
	growth := decimal.NewFromFloat(0.04)
	return graph.State{
		ChannelFundamentals: map[string]any{
			"eps":    eps.String(),
			"growth": growth.String(),
		},
		ChannelFindings: []any{fmt.Sprintf("fundamentals for %s fetched", ticker)},
	}, nil
}

func fetchSentiment(ctx context.Context, state graph.State) (any, error) {
	ticker, _ := graph.GetStateValue[string](state, ChannelTicker)
	score := decimal.NewFromInt(int64(len(ticker)%3 - 1)) // -1, 0 or 1
	return graph.State{
		ChannelSentiment: map[string]any{"score": score.String()},
		ChannelFindings:  []any{fmt.Sprintf("sentiment for %s scored %s", ticker, score)},
	}, nil
}

// valuate joins both branches: a Graham-style fair value adjusted by the
// sentiment score, kept in decimal arithmetic end to end.
func valuate(ctx context.Context, state graph.State) (any, error) {
	fundamentals, ok := graph.GetStateValue[map[string]any](state, ChannelFundamentals)
	if !ok {
		return nil, graph.NewError(graph.ErrKindNodeError, "fundamentals missing")
	}
	eps, err := decimal.NewFromString(fmt.Sprint(fundamentals["eps"]))
	if err != nil {
		return nil, fmt.Errorf("parse eps: %w", err)
	}
	growth, err := decimal.NewFromString(fmt.Sprint(fundamentals["growth"]))
	if err != nil {
		return nil, fmt.Errorf("parse growth: %w", err)
	}

	// value = eps * (8.5 + 200 * growth), nudged 2% per sentiment point.
	base := decimal.NewFromFloat(8.5).Add(decimal.NewFromInt(200).Mul(growth))
	value := eps.Mul(base)
	if sentiment, ok := graph.GetStateValue[map[string]any](state, ChannelSentiment); ok {
		if score, err := decimal.NewFromString(fmt.Sprint(sentiment["score"])); err == nil {
			adj := decimal.NewFromInt(1).Add(score.Mul(decimal.NewFromFloat(0.02)))
			value = value.Mul(adj)
		}
	}
	value = value.Round(2)

	graph.EmitterFrom(ctx).EmitText("valuation", "fair value "+value.String())
	return graph.State{
		ChannelFairValue: value,
		ChannelFindings:  []any{"fair value " + value.String()},
	}, nil
}

// approval suspends the thread until a human resumes with a verdict.
func approval(ctx context.Context, state graph.State) (any, error) {
	value, _ := graph.GetStateValue[decimal.Decimal](state, ChannelFairValue)
	verdict, err := graph.Interrupt(ctx, state, "approval", map[string]any{
		"question":   "approve publication of this valuation?",
		"fair_value": value.String(),
	})
	if err != nil {
		return nil, err
	}
	approved := false
	switch v := verdict.(type) {
	case bool:
		approved = v
	case map[string]any:
		approved, _ = v["approved"].(bool)
	}
	return graph.State{ChannelApproved: approved}, nil
}

func report(ctx context.Context, state graph.State) (any, error) {
	ticker, _ := graph.GetStateValue[string](state, ChannelTicker)
	value, _ := graph.GetStateValue[decimal.Decimal](state, ChannelFairValue)
	findings, _ := graph.GetStateValue[[]any](state, ChannelFindings)
	var b strings.Builder
	fmt.Fprintf(&b, "%s fair value: %s\n", ticker, value.String())
	for _, finding := range findings {
		fmt.Fprintf(&b, "- %v\n", finding)
	}
	return graph.State{ChannelReport: b.String()}, nil
}
