package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/layout"
	"github.com/ValentinKolb/tKV/lib/tree"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/ValentinKolb/tKV/rpc/common"
	"github.com/ValentinKolb/tKV/rpc/transport/base"
)

const (
	defaultReconnectMin = 250 * time.Millisecond
	defaultReconnectMax = 30 * time.Second

	// ackInterval debounces cursor acknowledgements
	ackInterval = 200 * time.Millisecond
)

// --------------------------------------------------------------------------
// Connection loop
// --------------------------------------------------------------------------

// run keeps a session with the server until the client is closed or halted
func (c *Client) run() {
	defer c.wg.Done()

	minWait, maxWait := c.config.ReconnectMin, c.config.ReconnectMax
	if minWait <= 0 {
		minWait = defaultReconnectMin
	}
	if maxWait < minWait {
		maxWait = defaultReconnectMax
	}

	attempt := 0
	sessions := 0
	for !c.stopped() {
		err := c.connect()
		if err == nil {
			if sessions > 0 {
				c.metrics.reconnects.Inc(1)
			}
			sessions++
			attempt = 0
			c.serve()
			continue
		}
		if c.stopped() {
			return
		}
		if errors.Is(err, errs.ErrServerIdentityMismatch) {
			c.halt(err)
			return
		}

		wait := util.Backoff(attempt, minWait, maxWait)
		attempt++
		Logger.Infof("connecting to the server failed (attempt %d), retrying in %s: %v", attempt, wait.Round(time.Millisecond), err)
		if !c.waitOrStop(wait) {
			return
		}
	}
}

// connect opens a connection and runs the handshake
func (c *Client) connect() error {
	session := c.session.Add(1)
	onPush := func(payload []byte) { c.onPush(session, payload) }
	if err := c.transport.Connect(c.config.Transport, onPush); err != nil {
		return err
	}

	ctx, cancel := c.timeout(context.Background())
	defer cancel()

	resp, err := c.call(ctx, common.NewHello(c.clientID, c.guard.Pinned()))
	if err == nil {
		err = c.welcome(resp)
	}
	if err != nil {
		_ = c.transport.Close()
		return err
	}
	return nil
}

// welcome checks the answer to the Hello and pins the server identity
func (c *Client) welcome(resp *common.Message) error {
	switch resp.MsgType {
	case common.MsgTWelcome:
	case common.MsgTReject:
		return fmt.Errorf("server rejected the session: %w", resp.Error())
	default:
		return errs.Newf(errs.RetCInvalidOperation, "expected welcome, got %s", resp.MsgType)
	}

	if err := c.guard.Pin(resp.Identity); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverName = resp.Name
	c.mu.Unlock()

	Logger.Infof("connected to %s (%s) via %s", resp.Name, resp.Identity, c.transport.Endpoint())
	return nil
}

// serve runs one session until the connection is lost
func (c *Client) serve() {
	done := c.transport.Done()

	c.setOnline(true)
	c.status(events.Change{Kind: events.KindConnected})

	if err := c.resync(); err != nil {
		Logger.Warningf("resync failed, reconnecting: %v", err)
		_ = c.transport.Close()
	}

	select {
	case <-done:
	case <-c.stop:
	}

	c.setOnline(false)
	if !c.stopped() {
		c.status(events.Change{Kind: events.KindDisconnected})
		Logger.Warningf("connection to the server lost")
	}
}

// resync brings a fresh session up to date: resubscribe every tree from its
// persisted cursor, reconcile believed borrows, replay the outbox and top up
// the key pools
func (c *Client) resync() error {
	ctx, cancel := c.timeout(context.Background())
	defer cancel()

	var err error
	c.trees.Range(func(name string, _ struct{}) bool {
		err = c.subscribe(ctx, name)
		return err == nil
	})
	if err != nil {
		return err
	}

	if err := c.reconcile(ctx); err != nil {
		return err
	}

	c.kickOutbox()
	c.trees.Range(func(name string, _ struct{}) bool {
		c.topUp(name)
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

// Subscribe adds a tree to the synced trees. Trees are remembered in the
// local store and resubscribed on every reconnect. Subscribe does not wait
// for the server, the subscription of a live session is sent in the
// background. Use WaitSynced to wait for it.
func (c *Client) Subscribe(name string) error {
	if err := tree.ValidName(name); err != nil {
		return err
	}
	if _, loaded := c.trees.LoadOrStore(name, struct{}{}); loaded {
		return nil
	}
	if err := c.kv.Commit(db.NewBatch().Set(layout.Trees, []byte(name), nil)); err != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("remember tree %s: %w", name, err))
	}

	if c.stopped() || c.checkOnline() != nil {
		return nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := c.timeout(c.ctx)
		defer cancel()
		if err := c.subscribe(ctx, name); err != nil {
			// the next session subscribes again
			Logger.Warningf("subscribing to %s failed: %v", name, err)
		}
		c.topUp(name)
	}()
	return nil
}

func (c *Client) subscribe(ctx context.Context, name string) error {
	cursor, err := c.Cursor(name)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, common.NewSubscribe(name, cursor))
	if err != nil {
		return err
	}
	if err := resp.Error(); err != nil {
		return err
	}
	c.heads.Store(name, resp.Cursor)
	Logger.Debugf("subscribed to %s after %d (server at %d)", name, cursor, resp.Cursor)
	return nil
}

// WaitSynced blocks until every change of a tree the server had when the
// current session subscribed to it is applied locally
func (c *Client) WaitSynced(ctx context.Context, name string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := c.WaitOnline(ctx); err != nil {
			return err
		}
		if head, ok := c.heads.Load(name); ok {
			cursor, err := c.Cursor(name)
			if err != nil {
				return err
			}
			if cursor >= head {
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-c.stop:
			return ErrOffline
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cursor returns the last applied cursor of a tree
func (c *Client) Cursor(name string) (uint64, error) {
	return layout.GetU64(c.kv, layout.Cursors, []byte(name))
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// call sends a request and decodes the response without looking at it
func (c *Client) call(ctx context.Context, req *common.Message) (*common.Message, error) {
	data, err := c.serializer.Serialize(*req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", req.MsgType, err)
	}
	c.metrics.sent.Mark(int64(len(data)))

	respData, err := c.transport.Send(ctx, data)
	if err != nil {
		if errors.Is(err, base.ErrNotConnected) {
			return nil, ErrOffline
		}
		return nil, err
	}
	c.metrics.received.Mark(int64(len(respData)))

	resp := &common.Message{}
	if err := c.serializer.Deserialize(respData, resp); err != nil {
		return nil, fmt.Errorf("failed to deserialize response to %s: %w", req.MsgType, err)
	}
	return resp, nil
}

// request is a round trip of the application api. It needs a session and
// turns error responses into errors. The response is returned even then, a
// checkout denial carries the holder.
func (c *Client) request(ctx context.Context, req *common.Message, expect common.MessageType) (*common.Message, error) {
	if err := c.checkOnline(); err != nil {
		return nil, err
	}

	ctx, cancel := c.timeout(ctx)
	defer cancel()

	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return resp, err
	}
	if resp.MsgType != expect {
		return resp, errs.Newf(errs.RetCInternalError, "unexpected response type %s to %s, expected %s", resp.MsgType, req.MsgType, expect)
	}
	return resp, nil
}

// --------------------------------------------------------------------------
// Update stream
// --------------------------------------------------------------------------

// pushed is a server push tagged with the session it arrived in
type pushed struct {
	session uint64
	msg     common.Message
}

// onPush runs on the reader goroutine of the transport, it must not block
func (c *Client) onPush(session uint64, payload []byte) {
	c.metrics.received.Mark(int64(len(payload)))

	p := &pushed{session: session}
	if err := c.serializer.Deserialize(payload, &p.msg); err != nil {
		Logger.Errorf("dropping undecodable push: %v", err)
		return
	}
	c.pushes.Push(p)
}

// applyLoop applies pushed updates in arrival order. When an update cannot
// be applied, the rest of its session is discarded and the connection is
// dropped, the next session streams everything after the persisted cursor.
func (c *Client) applyLoop() {
	defer c.wg.Done()

	for p := range c.pushes.Recv() {
		if p.session <= c.broken.Load() {
			continue
		}
		msg := &p.msg
		if msg.MsgType != common.MsgTUpdate {
			Logger.Debugf("ignoring pushed %s", msg.MsgType)
			continue
		}
		change, err := events.DecodeChange(msg.Value)
		if err != nil {
			Logger.Errorf("undecodable update of %s at %d, resyncing: %v", msg.Tree, msg.Cursor, err)
			c.broken.Store(p.session)
			_ = c.transport.Close()
			continue
		}
		if err := c.applyChange(change); err != nil {
			Logger.Errorf("applying %s failed, resyncing: %v", change, err)
			c.broken.Store(p.session)
			_ = c.transport.Close()
			continue
		}
		c.metrics.applied.Mark(1)
	}
}

// ackLoop acknowledges applied cursors, at most once per ackInterval and tree
func (c *Client) ackLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(ackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		if c.checkOnline() != nil {
			continue
		}

		c.acks.Range(func(name string, cursor uint64) bool {
			data, err := c.serializer.Serialize(*common.NewAck(name, cursor))
			if err != nil {
				Logger.Errorf("failed to serialize ack: %v", err)
				return true
			}
			if err := c.transport.Notify(data); err != nil {
				Logger.Debugf("ack of %s at %d not sent: %v", name, cursor, err)
				return false
			}
			c.metrics.sent.Mark(int64(len(data)))
			// keep a cursor that advanced meanwhile
			c.acks.Compute(name, func(current uint64, _ bool) (uint64, bool) {
				return current, current <= cursor
			})
			return true
		})
	}
}

// status publishes a sync status notification
func (c *Client) status(change events.Change) {
	change.Client = c.clientID
	c.bus.Publish(change)
}
