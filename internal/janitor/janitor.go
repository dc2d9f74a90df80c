package janitor

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/diewo77/payment-core/internal/invoker"
	"github.com/diewo77/payment-core/internal/ledger"
	"github.com/diewo77/payment-core/internal/models"
	"github.com/diewo77/payment-core/internal/plugin"
	"github.com/diewo77/payment-core/internal/statemachine"
)

// Janitor resolves transactions left PENDING/UNKNOWN past the grace interval
// by re-querying the gateway and funneling the answer through the same
// Ledger.Advance used by client completions. It never creates rows and never
// changes a transaction's type or external key; racing a client completion is
// harmless because only the first terminal transition applies.
type Janitor struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	registry *plugin.Registry

	Interval  time.Duration
	Grace     time.Duration
	BatchSize int

	// DefaultPluginName backs payments whose method row is gone or was never
	// stored; must match the service's default gateway.
	DefaultPluginName string
}

func New(db *gorm.DB, registry *plugin.Registry, interval, grace time.Duration) *Janitor {
	return &Janitor{
		db:                db,
		ledger:            ledger.New(db),
		registry:          registry,
		Interval:          interval,
		Grace:             grace,
		BatchSize:         100,
		DefaultPluginName: "noop",
	}
}

// Run loops until ctx is canceled. Resolution errors are logged, never
// propagated: there is no caller to tell.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	log.Printf("janitor started interval=%s grace=%s", j.Interval, j.Grace)
	for {
		select {
		case <-ctx.Done():
			log.Println("janitor stopped")
			return
		case <-ticker.C:
			if n, err := j.RunOnce(ctx); err != nil {
				log.Printf("janitor pass failed: %v", err)
			} else if n > 0 {
				log.Printf("janitor advanced %d transaction(s)", n)
			}
		}
	}
}

// RunOnce performs a single reconciliation pass and reports how many rows it
// advanced. Exposed for tests and the admin trigger endpoint.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	stale, err := j.ledger.StaleTransactions(ctx, time.Now().Add(-j.Grace), j.BatchSize)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for i := range stale {
		txn := &stale[i]
		ok, err := j.reconcile(ctx, txn)
		if err != nil {
			log.Printf("janitor: transaction %s: %v", txn.ID, err)
			continue
		}
		if ok {
			advanced++
		}
	}
	return advanced, nil
}

func (j *Janitor) reconcile(ctx context.Context, txn *models.PaymentTransaction) (bool, error) {
	gw, err := j.gatewayFor(ctx, txn.PaymentID)
	if err != nil {
		return false, err
	}
	info, err := gw.GetTransactionInfo(ctx, txn.PaymentID, txn.ID)
	if err != nil {
		return false, err
	}
	status := invoker.MapStatus(info.Status)
	if !status.Terminal() {
		// Still in flight at the gateway; leave the row for the next pass.
		return false, nil
	}

	txn.Status = status
	txn.ProcessedAmount = info.ProcessedAmount
	txn.ProcessedCurrency = info.ProcessedCurrency
	txn.GatewayErrorCode = info.GatewayErrorCode
	txn.GatewayErrorMsg = info.GatewayErrorMsg
	state := statemachine.StateFor(txn.Type, status)
	lastSuccess := ""
	if status == models.StatusSuccess {
		lastSuccess = state
	}
	return j.ledger.Advance(ctx, txn, state, lastSuccess)
}

// gatewayFor resolves the gateway via the payment's method, falling back to
// the configured default plugin when no method row exists.
func (j *Janitor) gatewayFor(ctx context.Context, paymentID string) (plugin.Gateway, error) {
	var pay models.Payment
	if err := j.db.WithContext(ctx).Select("id", "payment_method_id").
		Where("id = ?", paymentID).First(&pay).Error; err != nil {
		return nil, err
	}
	if pay.PaymentMethodID != "" {
		var method models.PaymentMethod
		err := j.db.WithContext(ctx).Where("id = ?", pay.PaymentMethodID).First(&method).Error
		if err == nil {
			return j.registry.Gateway(method.PluginName)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return j.registry.Gateway(j.DefaultPluginName)
}
