package server

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/tree"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/transport"
)

// session is the server side of one client connection. The handshake gates
// everything else; afterwards requests are handled one at a time in arrival
// order while one streamer per subscribed tree pushes updates concurrently.
type session struct {
	srv    *RPCServer
	conn   transport.IConn
	client string

	mu      sync.Mutex
	streams map[string]*streamer
}

func newSession(srv *RPCServer, conn transport.IConn) *session {
	return &session{srv: srv, conn: conn, streams: make(map[string]*streamer)}
}

// run drives the session until the connection ends
func (s *session) run(frames <-chan transport.Frame) {
	first, ok := <-frames
	if !ok {
		return
	}
	if !s.handshake(first) {
		s.srv.metrics.rejected.Inc()
		return
	}

	s.srv.attach(s.client)
	defer s.srv.detach(s.client)
	defer s.stopStreams()

	Logger.Infof("session of %s opened from %s", s.client, s.conn.RemoteAddr())

	for f := range frames {
		var req common.Message
		if err := s.srv.serializer.Deserialize(f.Payload, &req); err != nil {
			s.reply(f, common.NewErrorResponse(errs.Newf(errs.RetCInvalidOperation, "failed to deserialize request: %s", err)))
			continue
		}
		s.reply(f, s.handle(&req))
	}

	Logger.Infof("session of %s closed", s.client)
}

// handshake answers the Hello of the client. It returns false if the session
// must end.
func (s *session) handshake(f transport.Frame) bool {
	var hello common.Message
	if err := s.srv.serializer.Deserialize(f.Payload, &hello); err != nil {
		s.reply(f, common.NewReject(s.srv.identity, errs.Newf(errs.RetCInvalidOperation, "failed to deserialize hello: %s", err)))
		return false
	}

	switch {
	case hello.MsgType != common.MsgTHello:
		s.reply(f, common.NewReject(s.srv.identity, errs.Newf(errs.RetCInvalidOperation, "expected hello, got %s", hello.MsgType)))
		return false
	case hello.Client == "":
		s.reply(f, common.NewReject(s.srv.identity, errs.NewError(errs.RetCInvalidOperation, "hello without client id")))
		return false
	case hello.Identity != "" && hello.Identity != s.srv.identity:
		Logger.Warningf("rejecting %s: it expects server %s, this is %s", hello.Client, hello.Identity, s.srv.identity)
		s.reply(f, common.NewReject(s.srv.identity, errs.Newf(errs.RetCServerIdentityMismatch,
			"client pinned server %s, this server is %s", hello.Identity, s.srv.identity)))
		return false
	}

	s.client = hello.Client
	return s.reply(f, common.NewWelcome(s.srv.identity, s.srv.config.Name)) == nil
}

// handle processes one request after the handshake
func (s *session) handle(req *common.Message) *common.Message {
	switch req.MsgType {
	case common.MsgTHello:
		return common.NewErrorResponse(errs.NewError(errs.RetCInvalidOperation, "session already established"))

	case common.MsgTSubscribe:
		cursor, err := s.subscribe(req.Tree, req.Cursor)
		resp := common.NewSuccessResponse(common.MsgTSubscribe, err)
		resp.Tree = req.Tree
		resp.Cursor = cursor
		return resp

	case common.MsgTAck:
		err := s.srv.store.Ack(s.client, req.Tree, req.Cursor)
		if err != nil {
			Logger.Warningf("ack of %s for %s at %d failed: %v", s.client, req.Tree, req.Cursor, err)
		}
		return common.NewSuccessResponse(common.MsgTAck, err)
	}

	adapter, ok := s.srv.adapters[req.MsgType]
	if !ok {
		return common.NewErrorResponse(errs.Newf(errs.RetCUnsupportedOperation, "unsupported message type: %s", req.MsgType))
	}
	return adapter.Handle(s.client, req, s.srv.store)
}

// reply sends resp as the answer of f. Notifications are not answered.
func (s *session) reply(f transport.Frame, resp *common.Message) error {
	if f.Kind != transport.FrameRequest {
		return nil
	}
	data, err := s.srv.serializer.Serialize(*resp)
	if err != nil {
		data, _ = s.srv.serializer.Serialize(*common.NewErrorResponse(
			errs.Newf(errs.RetCInternalError, "failed to serialize response: %s", err)))
	}
	if err := s.conn.Send(transport.Frame{RequestID: f.RequestID, Kind: transport.FrameResponse, Payload: data}); err != nil {
		Logger.Debugf("failed to answer %s: %v", s.conn.RemoteAddr(), err)
		return err
	}
	return nil
}

// push sends a server initiated message
func (s *session) push(msg *common.Message) error {
	data, err := s.srv.serializer.Serialize(*msg)
	if err != nil {
		return fmt.Errorf("failed to serialize push: %w", err)
	}
	return s.conn.Send(transport.Frame{Kind: transport.FramePush, Payload: data})
}

// subscribe starts (or restarts) the stream of tree after cursor since and
// returns the current cursor of the tree
func (s *session) subscribe(treeName string, since uint64) (uint64, error) {
	if err := tree.ValidName(treeName); err != nil {
		return 0, err
	}
	current, err := s.srv.store.Cursor(treeName)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	old := s.streams[treeName]
	st := newStreamer(s, treeName, since)
	s.streams[treeName] = st
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
	st.start()
	Logger.Debugf("%s subscribed to %s after %d (current %d)", s.client, treeName, since, current)
	return current, nil
}

func (s *session) stopStreams() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*streamer)
	s.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
}
