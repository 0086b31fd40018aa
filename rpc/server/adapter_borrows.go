package server

import (
	"errors"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// NewBorrowsServerAdapter creates the adapter for checkouts, checkins and
// the reconciliation of borrows after a reconnect
func NewBorrowsServerAdapter(m *serverMetrics) IRPCServerAdapter {
	return &borrowsServerAdapterImpl{metrics: m}
}

type borrowsServerAdapterImpl struct {
	metrics *serverMetrics
}

func (adapter *borrowsServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{common.MsgTCheckoutRequest, common.MsgTCheckin, common.MsgTReconcile}
}

func (adapter *borrowsServerAdapterImpl) Handle(client string, req *common.Message, store store.IStore) *common.Message {
	// Check for nil store
	if store == nil {
		return common.NewErrorResponse(errs.NewError(errs.RetCInternalError, "handler: store is nil"))
	}

	switch req.MsgType {
	case common.MsgTCheckoutRequest:
		_, env, err := store.Checkout(req.Tree, client, req.ID)
		if err != nil {
			holder := ""
			if errors.Is(err, errs.ErrConflict) {
				adapter.metrics.denials.Inc()
				holder = holderOf(store, borrow.Key{Tree: req.Tree, ID: req.ID})
			}
			return common.NewCheckoutDeny(req.Tree, req.ID, holder, err)
		}
		return common.NewCheckoutGrant(req.Tree, req.ID, env.MustEncode())

	case common.MsgTCheckin:
		err := store.Checkin(req.Tree, client, req.ID)
		return common.NewSuccessResponse(common.MsgTCheckin, err)

	case common.MsgTReconcile:
		asserted, err := borrow.DecodeKeys(req.Value)
		if err != nil {
			return common.NewReconcileResponse(nil, errs.Wrap(errs.RetCInvalidOperation, err))
		}
		outcomes, err := store.Reconcile(client, asserted)
		if err != nil {
			return common.NewReconcileResponse(nil, err)
		}
		return common.NewReconcileResponse(borrow.EncodeOutcomes(outcomes), nil)

	default:
		return common.NewErrorResponse(
			errs.Newf(errs.RetCUnsupportedOperation, "RPC BorrowsAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}

// holderOf looks up the current holder of key for a checkout denial
func holderOf(store store.IStore, key borrow.Key) string {
	records, err := store.Borrows("")
	if err != nil {
		return ""
	}
	for _, r := range records {
		if r.Key == key {
			return r.Holder
		}
	}
	return ""
}
