package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// NoOpGateway approves everything by default and can be programmed to report
// a different status, sleep, or fail on the next call. The original platform
// ships an equivalent no-op provider for development and tests.
type NoOpGateway struct {
	name string

	mu         sync.Mutex
	nextStatus *Status
	nextErr    error
	sleep      time.Duration
	// recorded results by transaction id, served by GetTransactionInfo
	info map[string]*CallResult
}

func NewNoOpGateway(name string) *NoOpGateway {
	return &NoOpGateway{name: name, info: make(map[string]*CallResult)}
}

func (g *NoOpGateway) Name() string { return g.name }

// OverrideNextStatus makes the next operation report s instead of PROCESSED.
// One-shot.
func (g *NoOpGateway) OverrideNextStatus(s Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextStatus = &s
}

// OverrideNextError makes the next operation fail before producing a result.
// One-shot.
func (g *NoOpGateway) OverrideNextError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextErr = err
}

// SetSleep makes every operation block for d before answering.
func (g *NoOpGateway) SetSleep(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sleep = d
}

// SetTransactionInfo programs the answer GetTransactionInfo will give for a
// transaction, simulating a gateway that completed asynchronously.
func (g *NoOpGateway) SetTransactionInfo(transactionID string, res *CallResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.info[transactionID] = res
}

func (g *NoOpGateway) process(ctx context.Context, req CallRequest) (*CallResult, error) {
	g.mu.Lock()
	status := StatusProcessed
	if g.nextStatus != nil {
		status = *g.nextStatus
		g.nextStatus = nil
	}
	err := g.nextErr
	g.nextErr = nil
	sleep := g.sleep
	g.mu.Unlock()

	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	res := &CallResult{
		Status:            status,
		ProcessedAmount:   decimal.NullDecimal{Decimal: req.Amount, Valid: true},
		ProcessedCurrency: req.Currency,
	}
	if status == StatusError {
		res.GatewayErrorCode = "declined"
		res.GatewayErrorMsg = "payment declined"
		res.ProcessedAmount = decimal.NullDecimal{}
		res.ProcessedCurrency = ""
	}
	g.mu.Lock()
	g.info[req.TransactionID] = res
	g.mu.Unlock()
	return res, nil
}

func (g *NoOpGateway) Authorize(ctx context.Context, req CallRequest) (*CallResult, error) {
	return g.process(ctx, req)
}

func (g *NoOpGateway) Capture(ctx context.Context, req CallRequest) (*CallResult, error) {
	return g.process(ctx, req)
}

func (g *NoOpGateway) Purchase(ctx context.Context, req CallRequest) (*CallResult, error) {
	return g.process(ctx, req)
}

func (g *NoOpGateway) Void(ctx context.Context, req CallRequest) (*CallResult, error) {
	return g.process(ctx, req)
}

func (g *NoOpGateway) Credit(ctx context.Context, req CallRequest) (*CallResult, error) {
	return g.process(ctx, req)
}

func (g *NoOpGateway) Refund(ctx context.Context, req CallRequest) (*CallResult, error) {
	return g.process(ctx, req)
}

func (g *NoOpGateway) GetTransactionInfo(_ context.Context, _, transactionID string) (*CallResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.info[transactionID]; ok {
		return res, nil
	}
	return &CallResult{Status: StatusUndefined}, nil
}
