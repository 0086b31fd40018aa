package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the unit of the sync protocol, used for requests, responses and
// server pushes. Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	Tree     string   `json:"tree,omitempty"`     // every tree scoped message
	Client   string   `json:"client,omitempty"`   // Hello, CheckoutDeny (current holder)
	Identity string   `json:"identity,omitempty"` // Hello (known identity), Welcome
	Name     string   `json:"name,omitempty"`     // Welcome (readable server name)
	ID       keys.ID  `json:"id,omitempty"`       // CheckoutRequest, Checkin, Commit
	Cursor   uint64   `json:"cursor,omitempty"`   // Subscribe (since), Update, Ack
	N        uint64   `json:"n,omitempty"`        // RangeRequest (size), Commit (release number or state)
	Op       CommitOp `json:"op,omitempty"`       // Commit
	Value    []byte   `json:"value,omitempty"`    // envelope, change, range, keys or outcomes

	// Response only fields
	Code errs.RetCode `json:"code,omitempty"` // RetCSuccess if no error
	Err  string       `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message
}

// Error rebuilds the typed error carried by a response, nil for success
func (m *Message) Error() error {
	if m.Code == errs.RetCSuccess && m.Err == "" && m.MsgType != MsgTError && m.MsgType != MsgTReject {
		return nil
	}
	code := m.Code
	if code == errs.RetCSuccess {
		code = errs.RetCInternalError
	}
	return errs.FromCode(code, m.Err)
}

// WithError sets code and message of err on m and returns m
func (m *Message) WithError(err error) *Message {
	if err == nil {
		return m
	}
	m.Code = errs.CodeOf(err)
	var e *errs.Error
	if errors.As(err, &e) {
		m.Err = e.Msg
	} else {
		m.Err = err.Error()
	}
	return m
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewHello opens a session. known is the pinned server identity ("" on first contact).
func NewHello(client, known string) *Message {
	return &Message{MsgType: MsgTHello, Client: client, Identity: known}
}

// NewWelcome accepts a session
func NewWelcome(identity, name string) *Message {
	return &Message{MsgType: MsgTWelcome, Identity: identity, Name: name}
}

// NewReject refuses a session, the connection is closed afterwards
func NewReject(identity string, err error) *Message {
	return (&Message{MsgType: MsgTReject, Identity: identity}).WithError(err)
}

// NewSubscribe requests the changes of tree after cursor since
func NewSubscribe(tree string, since uint64) *Message {
	return &Message{MsgType: MsgTSubscribe, Tree: tree, Cursor: since}
}

// NewUpdate pushes one change (encoded events.Change) of tree
func NewUpdate(tree string, cursor uint64, change []byte) *Message {
	return &Message{MsgType: MsgTUpdate, Tree: tree, Cursor: cursor, Value: change}
}

// NewAck acknowledges every change of tree up to cursor
func NewAck(tree string, cursor uint64) *Message {
	return &Message{MsgType: MsgTAck, Tree: tree, Cursor: cursor}
}

// NewCheckoutRequest asks for the borrow of a record
func NewCheckoutRequest(tree string, id keys.ID) *Message {
	return &Message{MsgType: MsgTCheckoutRequest, Tree: tree, ID: id}
}

// NewCheckoutGrant grants a borrow, env is the encoded current envelope
func NewCheckoutGrant(tree string, id keys.ID, env []byte) *Message {
	return &Message{MsgType: MsgTCheckoutGrant, Tree: tree, ID: id, Value: env}
}

// NewCheckoutDeny refuses a borrow. holder is the current holder on conflicts.
func NewCheckoutDeny(tree string, id keys.ID, holder string, err error) *Message {
	return (&Message{MsgType: MsgTCheckoutDeny, Tree: tree, ID: id, Client: holder}).WithError(err)
}

// NewCheckin returns a borrow
func NewCheckin(tree string, id keys.ID) *Message {
	return &Message{MsgType: MsgTCheckin, Tree: tree, ID: id}
}

// NewRangeRequest asks for a key range of size ids (0 = server default)
func NewRangeRequest(tree string, size uint64) *Message {
	return &Message{MsgType: MsgTRangeRequest, Tree: tree, N: size}
}

// NewRangeGrant answers a range request, r is the encoded keys.Range
func NewRangeGrant(tree string, r []byte) *Message {
	return &Message{MsgType: MsgTRangeGrant, Tree: tree, Value: r}
}

// NewCommit requests a record mutation. value is the encoded envelope for
// create, edit and migrate; n the release or state number.
func NewCommit(tree string, op CommitOp, id keys.ID, n uint64, value []byte) *Message {
	return &Message{MsgType: MsgTCommit, Tree: tree, Op: op, ID: id, N: n, Value: value}
}

// NewCommitResponse answers a commit with the resulting envelope
func NewCommitResponse(tree string, env []byte, err error) *Message {
	return (&Message{MsgType: MsgTCommit, Tree: tree, Value: env}).WithError(err)
}

// NewReconcile announces the borrows a client believes to hold (encoded keys)
func NewReconcile(keys []byte) *Message {
	return &Message{MsgType: MsgTReconcile, Value: keys}
}

// NewReconcileResponse answers a reconcile with the encoded outcomes
func NewReconcileResponse(outcomes []byte, err error) *Message {
	return (&Message{MsgType: MsgTReconcile, Value: outcomes}).WithError(err)
}

// NewTreesRequest asks for the trees the server manages
func NewTreesRequest() *Message {
	return &Message{MsgType: MsgTTrees}
}

// NewTreesResponse lists the managed trees, names separated by newlines
func NewTreesResponse(names []byte, err error) *Message {
	return (&Message{MsgType: MsgTTrees, Value: names}).WithError(err)
}

// NewSuccessResponse answers a request without payload
func NewSuccessResponse(req MessageType, err error) *Message {
	return (&Message{MsgType: req}).WithError(err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err error) *Message {
	return (&Message{MsgType: MsgTError}).WithError(err)
}

// --------------------------------------------------------------------------
// Commit Operations
// --------------------------------------------------------------------------

// CommitOp is the record mutation a Commit message requests
type CommitOp uint8

const (
	OpNone CommitOp = iota
	OpCreate
	OpEdit
	OpMigrate
	OpRelease
	OpState
	OpDelete
)

var opNames = []string{"none", "create", "edit", "migrate", "release", "state", "delete"}

func (o CommitOp) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTUnknown:         "unknown",
	MsgTSuccess:         "success",
	MsgTError:           "error",
	MsgTHello:           "hello",
	MsgTWelcome:         "welcome",
	MsgTReject:          "reject",
	MsgTSubscribe:       "subscribe",
	MsgTUpdate:          "update",
	MsgTAck:             "ack",
	MsgTCheckoutRequest: "checkoutRequest",
	MsgTCheckoutGrant:   "checkoutGrant",
	MsgTCheckoutDeny:    "checkoutDeny",
	MsgTCheckin:         "checkin",
	MsgTRangeRequest:    "rangeRequest",
	MsgTRangeGrant:      "rangeGrant",
	MsgTCommit:          "commit",
	MsgTReconcile:       "reconcile",
	MsgTTrees:           "trees",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for typ, name := range messageTypeNames {
		if name == s {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Session

	MsgTHello   // client opens a session
	MsgTWelcome // server accepts the session
	MsgTReject  // server refuses the session

	// Replication

	MsgTSubscribe // client asks for the changes of a tree
	MsgTUpdate    // server pushes one change
	MsgTAck       // client acknowledges applied changes

	// Borrows

	MsgTCheckoutRequest
	MsgTCheckoutGrant
	MsgTCheckoutDeny
	MsgTCheckin
	MsgTReconcile // client re-announces its borrows after a reconnect

	// Keys and records

	MsgTRangeRequest
	MsgTRangeGrant
	MsgTCommit
	MsgTTrees
)
