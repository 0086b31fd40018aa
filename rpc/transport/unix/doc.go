// Package unix implements a transport over Unix domain sockets for clients
// running on the same machine as the sync server. An existing socket file is
// removed before listening.
package unix
