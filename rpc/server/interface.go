package server

import (
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters.
// An adapter translates one family of request messages into store calls.
type IRPCServerAdapter interface {
	// Handle handles a request of client and returns the response.
	// Errors are reported inside the response, never as a second value.
	Handle(client string, req *common.Message, store store.IStore) (resp *common.Message)

	// Types returns the message types the adapter handles
	Types() []common.MessageType
}
