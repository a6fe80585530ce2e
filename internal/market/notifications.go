package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// GetNotifications returns recipient's log, oldest first.
func (e *Engine) GetNotifications(ctx context.Context, recipient common.Address) ([]*Notification, error) {
	var out []*Notification
	err := e.view(ctx, func(tx Tx) error {
		ns, err := tx.Notifications(recipient)
		out = ns
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Notification{}
	}
	return out, nil
}

// ClearNotifications empties the caller's own log and returns how many
// entries were removed.
func (e *Engine) ClearNotifications(ctx context.Context, caller common.Address) (int, error) {
	var removed int
	err := e.transact(ctx, "clearNotifications", caller, func(t *txn) error {
		if caller == (common.Address{}) {
			return ErrUnauthorized
		}
		n, err := t.ClearNotifications(caller)
		if err != nil {
			return err
		}
		removed = n
		return t.emit(EventNotificationsCleared, map[string]interface{}{
			"user":    caller.Hex(),
			"removed": n,
		})
	})
	return removed, err
}
