package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/payments"
	"github.com/diewo77/payment-core/internal/plugin"
)

// Orchestrator runs the optional control plugins around a gateway call and
// keeps the PaymentAttempt correlation record. It never talks to the gateway
// itself.
type Orchestrator struct {
	registry *plugin.Registry
	db       *gorm.DB
}

func New(registry *plugin.Registry, db *gorm.DB) *Orchestrator {
	return &Orchestrator{registry: registry, db: db}
}

// Prior runs every named control plugin's PriorCall in order, applying
// adjustments to cc as it goes, and records the attempt. An abort
// short-circuits the whole operation before any transaction row exists; the
// attempt row is still written (state ABORTED) so the decision is traceable.
// Control plugin failures are wrapped distinctly from gateway failures.
func (o *Orchestrator) Prior(ctx context.Context, names []string, cc *plugin.ControlContext) (*models.PaymentAttempt, error) {
	for _, name := range names {
		ctl, err := o.registry.Control(name)
		if err != nil {
			return nil, err
		}
		prior, err := safePriorCall(ctx, ctl, cc)
		if err != nil {
			return nil, payments.Wrap(payments.CodeControlPluginError, err,
				"control plugin %s prior call failed", name)
		}
		if prior == nil {
			continue
		}
		if prior.Aborted {
			attempt := o.newAttempt(names, cc, models.AttemptAborted)
			if err := o.db.WithContext(ctx).Create(attempt).Error; err != nil {
				return nil, fmt.Errorf("record aborted attempt: %w", err)
			}
			return nil, payments.Errf(payments.CodePluginAborted,
				"operation aborted by control plugin %s", name)
		}
		if prior.AdjustedAmount != nil {
			cc.Amount = *prior.AdjustedAmount
		}
		if prior.AdjustedCurrency != "" {
			cc.Currency = prior.AdjustedCurrency
		}
		if prior.AdjustedPaymentMethodID != "" {
			cc.PaymentMethodID = prior.AdjustedPaymentMethodID
		}
		for k, v := range prior.AdjustedProperties {
			if cc.Properties == nil {
				cc.Properties = make(map[string]string)
			}
			cc.Properties[k] = v
		}
	}

	attempt := o.newAttempt(names, cc, models.AttemptInit)
	if err := o.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	return attempt, nil
}

// OnCompletion notifies the control plugins of the final outcome and settles
// the attempt state. Plugin failures here are logged into the attempt rather
// than failing the payment, which already completed.
func (o *Orchestrator) OnCompletion(ctx context.Context, attempt *models.PaymentAttempt, names []string, cc *plugin.ControlContext, success bool) error {
	merged := make(map[string]string)
	for _, name := range names {
		ctl, err := o.registry.Control(name)
		if err != nil {
			continue
		}
		var props map[string]string
		if success {
			props, err = ctl.OnSuccessCall(ctx, cc)
		} else {
			props, err = ctl.OnFailureCall(ctx, cc)
		}
		if err != nil {
			merged["control_error_"+name] = err.Error()
			continue
		}
		for k, v := range props {
			merged[k] = v
		}
	}

	if attempt.PluginProperties == nil {
		attempt.PluginProperties = datatypes.JSONMap{}
	}
	for k, v := range merged {
		attempt.PluginProperties[k] = v
	}
	attempt.State = models.AttemptProcessed
	if success {
		attempt.State = models.AttemptSuccess
	}
	attempt.UpdatedAt = time.Now()
	return o.db.WithContext(ctx).Save(attempt).Error
}

// BindTransaction stamps the attempt with the transaction it produced.
func (o *Orchestrator) BindTransaction(ctx context.Context, attempt *models.PaymentAttempt, txnID string) error {
	attempt.TransactionID = txnID
	return o.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("id = ?", attempt.ID).Update("transaction_id", txnID).Error
}

func (o *Orchestrator) newAttempt(names []string, cc *plugin.ControlContext, state string) *models.PaymentAttempt {
	props := datatypes.JSONMap{}
	for k, v := range cc.Properties {
		props[k] = v
	}
	return &models.PaymentAttempt{
		ID:                     uuid.NewString(),
		AccountID:              cc.AccountID,
		PaymentExternalKey:     cc.PaymentExternalKey,
		TransactionExternalKey: cc.TransactionExternalKey,
		TransactionType:        cc.TransactionType,
		State:                  state,
		PluginNames:            strings.Join(names, ","),
		PluginProperties:       props,
		Amount:                 cc.Amount,
		Currency:               cc.Currency,
	}
}

// safePriorCall shields the pipeline from a panicking control plugin; the
// panic surfaces as a wrapped control-plugin error.
func safePriorCall(ctx context.Context, ctl plugin.Control, cc *plugin.ControlContext) (res *plugin.PriorResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("control plugin panic: %v", r)
		}
	}()
	return ctl.PriorCall(ctx, cc)
}
