// Package cmd implements the command-line interface of tKV. It runs the sync
// server and offers a client that works on its own local store, so record
// commands keep working without a server.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the sync server (local or raft commit path)
//   - rec: Record commands (trees, ls, get, view, create, edit, release, state, del, status, perf)
//   - borrow: Borrow commands (checkout, checkin, ls)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Flags may also be given as TKV_<FLAG> environment variables or in a .env
// file. See tkv -help for a list of all commands.
package cmd
