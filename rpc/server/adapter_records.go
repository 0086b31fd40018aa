package server

import (
	"strings"
	"time"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// NewRecordsServerAdapter creates the adapter for key ranges, record commits
// and tree discovery
func NewRecordsServerAdapter(m *serverMetrics) IRPCServerAdapter {
	return &recordsServerAdapterImpl{metrics: m}
}

type recordsServerAdapterImpl struct {
	metrics *serverMetrics
}

func (adapter *recordsServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{common.MsgTRangeRequest, common.MsgTCommit, common.MsgTTrees}
}

func (adapter *recordsServerAdapterImpl) Handle(client string, req *common.Message, store store.IStore) *common.Message {
	// Check for nil store
	if store == nil {
		return common.NewErrorResponse(errs.NewError(errs.RetCInternalError, "handler: store is nil"))
	}

	switch req.MsgType {
	case common.MsgTRangeRequest:
		r, err := store.RequestRange(req.Tree, client, req.N)
		if err != nil {
			return common.NewRangeGrant(req.Tree, nil).WithError(err)
		}
		adapter.metrics.ranges.Inc()
		data, _ := r.MarshalBinary()
		return common.NewRangeGrant(req.Tree, data)

	case common.MsgTCommit:
		return adapter.commit(client, req, store)

	case common.MsgTTrees:
		names, err := store.Trees()
		return common.NewTreesResponse([]byte(strings.Join(names, "\n")), err)

	default:
		return common.NewErrorResponse(
			errs.Newf(errs.RetCUnsupportedOperation, "RPC RecordsAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}

// commit executes one record mutation
func (adapter *recordsServerAdapterImpl) commit(client string, req *common.Message, store store.IStore) *common.Message {
	start := time.Now()

	var (
		env *record.Envelope
		err error
	)
	switch req.Op {
	case common.OpCreate:
		var in *record.Envelope
		if in, err = record.Decode(req.Value); err == nil {
			env, err = store.Create(req.Tree, client, in)
		}
	case common.OpEdit:
		env, err = store.Edit(req.Tree, client, req.ID, req.Value)
	case common.OpMigrate:
		var in *record.Envelope
		if in, err = record.Decode(req.Value); err == nil {
			env, err = store.Migrate(req.Tree, client, req.ID, in.Schema, in.Payload)
		}
	case common.OpRelease:
		if req.N > uint64(^uint32(0)) {
			err = errs.Newf(errs.RetCInvalidOperation, "release number %d out of range", req.N)
			break
		}
		env, err = store.Release(req.Tree, client, req.ID, uint32(req.N))
	case common.OpState:
		if req.N > uint64(^uint32(0)) {
			err = errs.Newf(errs.RetCInvalidOperation, "state %d out of range", req.N)
			break
		}
		env, err = store.SetState(req.Tree, client, req.ID, uint32(req.N))
	case common.OpDelete:
		env, err = store.Delete(req.Tree, client, req.ID)
	default:
		err = errs.Newf(errs.RetCInvalidOperation, "unknown commit operation %d", req.Op)
	}

	if err != nil {
		Logger.Debugf("commit %s %s/%s by %s failed: %v", req.Op, req.Tree, req.ID, client, err)
		return common.NewCommitResponse(req.Tree, nil, err)
	}
	adapter.metrics.commit(req.Tree, req.Op.String(), start)
	return common.NewCommitResponse(req.Tree, env.MustEncode(), nil)
}
