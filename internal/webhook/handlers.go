package webhook

import (
	"context"
	"fmt"

	"slotsync/internal/domain"
	"slotsync/internal/worker"
	logx "slotsync/pkg/logx"
)

func (e *Engine) HandleDeliver(ctx context.Context, job domain.Job, p domain.Payload) worker.Result {
	pl, ok := p.(domain.DeliverWebhook)
	if !ok {
		return worker.Invalid(fmt.Errorf("unexpected payload %T", p))
	}
	return worker.Classify(e.Attempt(ctx, pl.DeliveryID, pl.Attempt))
}

func (e *Engine) HandleRetry(ctx context.Context, job domain.Job, p domain.Payload) worker.Result {
	pl, ok := p.(domain.RetryDelivery)
	if !ok {
		return worker.Invalid(fmt.Errorf("unexpected payload %T", p))
	}
	return worker.Classify(e.Attempt(ctx, pl.DeliveryID, pl.Attempt))
}

func (e *Engine) HandleTest(ctx context.Context, job domain.Job, p domain.Payload) worker.Result {
	pl, ok := p.(domain.TestWebhook)
	if !ok {
		return worker.Invalid(fmt.Errorf("unexpected payload %T", p))
	}
	res, err := e.Test(ctx, pl.WebhookID)
	if err != nil {
		return worker.Classify(err)
	}
	e.log.Info("webhook test finished", logx.String("webhook_id", pl.WebhookID), logx.Bool("success", res.Success), logx.Int("status", res.StatusCode), logx.String("error", res.Error))
	return worker.Done()
}

// OnDeadLetter fails a delivery whose attempt job could not be run to completion.
func (e *Engine) OnDeadLetter(ctx context.Context, job domain.Job, p domain.Payload, cause error) {
	var id string
	switch pl := p.(type) {
	case domain.DeliverWebhook:
		id = pl.DeliveryID
	case domain.RetryDelivery:
		id = pl.DeliveryID
	default:
		return
	}
	msg := fmt.Sprintf("delivery job dead-lettered: %v", cause)
	charged := false
	d, err := e.store.UpdateDelivery(ctx, id, func(cur *domain.WebhookDelivery) error {
		if cur.Status.Terminal() {
			return nil
		}
		cur.Status = domain.DeliveryFailed
		cur.ErrorMessage = msg
		cur.UpdatedAt = e.now()
		charged = true
		return nil
	})
	if err != nil {
		e.log.Warn("record dead-lettered delivery failed", logx.String("delivery_id", id), logx.Err(err))
		return
	}
	if charged {
		e.countFailure(ctx, d.WebhookID, msg, e.log.With(logx.String("delivery_id", id)))
	}
}

// Register installs the delivery handlers on the pool.
func (e *Engine) Register(p *worker.Pool, opts worker.HandlerOptions) {
	o := opts
	o.OnDeadLetter = e.OnDeadLetter
	p.Handle(domain.JobDeliverWebhook, e.HandleDeliver, o)
	p.Handle(domain.JobRetryDelivery, e.HandleRetry, o)
	p.Handle(domain.JobTestWebhook, e.HandleTest, worker.HandlerOptions{Timeout: opts.Timeout})
}
