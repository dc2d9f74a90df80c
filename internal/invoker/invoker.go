package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
	"github.com/diewo77/payment-core/internal/plugin"
)

// Outcome is a gateway response normalized into ledger terms. Err, when set,
// preserves the underlying plugin failure for the caller.
type Outcome struct {
	Status            models.TransactionStatus
	ProcessedAmount   decimal.NullDecimal
	ProcessedCurrency string
	GatewayErrorCode  string
	GatewayErrorMsg   string
	TimedOut          bool
	Err               error
}

// Invoker calls the gateway with a hard timeout. The caller is never blocked
// past the bound: on timeout it gets PLUGIN_TIMEOUT back while the underlying
// operation may still complete and be reconciled by the janitor later.
type Invoker struct {
	timeout time.Duration
}

func New(timeout time.Duration) *Invoker { return &Invoker{timeout: timeout} }

type callFn func(context.Context, plugin.CallRequest) (*plugin.CallResult, error)

// callFor dispatches over the closed set of transaction types. CHARGEBACK is
// absent on purpose: disputes are recorded, never sent to the gateway.
func callFor(gw plugin.Gateway, t models.TransactionType) (callFn, error) {
	switch t {
	case models.TransactionAuthorize:
		return gw.Authorize, nil
	case models.TransactionCapture:
		return gw.Capture, nil
	case models.TransactionPurchase:
		return gw.Purchase, nil
	case models.TransactionVoid:
		return gw.Void, nil
	case models.TransactionCredit:
		return gw.Credit, nil
	case models.TransactionRefund:
		return gw.Refund, nil
	default:
		return nil, payments.Errf(payments.CodeInvalidParameter, "no gateway operation for %s", t)
	}
}

type callAnswer struct {
	res *plugin.CallResult
	err error
}

// Invoke runs the gateway operation for t, bounded by the configured timeout.
func (iv *Invoker) Invoke(ctx context.Context, gw plugin.Gateway, t models.TransactionType, req plugin.CallRequest) Outcome {
	call, err := callFor(gw, t)
	if err != nil {
		return Outcome{Status: models.StatusPluginFailure, Err: err}
	}

	done := make(chan callAnswer, 1)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), iv.timeout)
	go func() {
		defer cancel()
		res, err := call(callCtx, req)
		done <- callAnswer{res: res, err: err}
	}()

	select {
	case a := <-done:
		return normalize(gw.Name(), a.res, a.err)
	case <-time.After(iv.timeout):
		// No reliable response: the row stays UNKNOWN for the janitor and the
		// caller sees a timeout, distinct from a gateway-reported failure.
		return Outcome{
			Status:   models.StatusUnknown,
			TimedOut: true,
			Err: payments.Errf(payments.CodePluginTimeout,
				"gateway %s did not answer within %s", gw.Name(), iv.timeout),
		}
	}
}

// normalize maps a raw gateway answer (or error) to a transaction outcome.
func normalize(gatewayName string, res *plugin.CallResult, err error) Outcome {
	if err != nil {
		// A gateway that honors callCtx hands the deadline back through done;
		// classify it as the timeout it is, not a plugin error.
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{
				Status:   models.StatusUnknown,
				TimedOut: true,
				Err: payments.Wrap(payments.CodePluginTimeout, err,
					"gateway %s did not answer in time", gatewayName),
			}
		}
		if res == nil {
			// No response at all: truth unknown, janitor re-queries later.
			return Outcome{
				Status: models.StatusUnknown,
				Err:    payments.Wrap(payments.CodePluginError, err, "gateway %s failed", gatewayName),
			}
		}
		return Outcome{
			Status:            models.StatusPluginFailure,
			GatewayErrorCode:  res.GatewayErrorCode,
			GatewayErrorMsg:   res.GatewayErrorMsg,
			ProcessedAmount:   res.ProcessedAmount,
			ProcessedCurrency: res.ProcessedCurrency,
			Err:               payments.Wrap(payments.CodePluginError, err, "gateway %s failed", gatewayName),
		}
	}
	if res == nil {
		return Outcome{Status: models.StatusUnknown}
	}
	out := Outcome{
		Status:            MapStatus(res.Status),
		ProcessedAmount:   res.ProcessedAmount,
		ProcessedCurrency: res.ProcessedCurrency,
		GatewayErrorCode:  res.GatewayErrorCode,
		GatewayErrorMsg:   res.GatewayErrorMsg,
	}
	return out
}

// MapStatus converts gateway-reported statuses to ledger statuses. Shared
// with the janitor so both paths classify identically.
func MapStatus(s plugin.Status) models.TransactionStatus {
	switch s {
	case plugin.StatusProcessed:
		return models.StatusSuccess
	case plugin.StatusPending:
		return models.StatusPending
	case plugin.StatusError:
		return models.StatusPaymentFailure
	case plugin.StatusCanceled:
		return models.StatusPluginFailure
	default:
		return models.StatusUnknown
	}
}
