package main

import (
	"context"
	"log/slog"

	"github.com/Tolam-Earth/integration-services/internal/bus"
	"github.com/Tolam-Earth/integration-services/internal/wire"
)

// logDownstream drains a local downstream bus and logs each message. It stands
// in for a real consumer when DOWNSTREAM_BUS_URL is unset.
func logDownstream(ctx context.Context, sink bus.Subscriber, logger *slog.Logger) error {
	msgs, err := sink.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := wire.DecodeDownstream(msg)
			if err != nil {
				logger.Error("undecodable downstream message", "err", err)
				continue
			}
			for _, tx := range ev.Transactions {
				logger.Info("downstream message",
					"identity", tx.Identity.String(),
					"event", string(tx.Kind),
					"transaction_id", tx.TransactionID,
					"timestamp", tx.Time.String())
			}
		}
	}
}
