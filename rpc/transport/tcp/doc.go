// Package tcp implements the TCP transport on top of package base.
//
// The connectors apply the socket options of common.TCPConf and
// common.SocketConf (no delay, keep-alive, linger, buffer sizes) to every
// connection. Keep-alive is useful for long lived sync sessions behind NAT.
package tcp
