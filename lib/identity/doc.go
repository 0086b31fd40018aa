// Package identity creates server identities and pins them on clients.
//
// A server generates a random UUID the first time it opens its database and
// keeps it forever. A client pins the identity presented in its first
// Welcome. Every later handshake presenting another identity fails with
// ServerIdentityMismatch: the client halts sync instead of mixing the data of
// two databases. Only Forget, an explicit user action, clears the pin.
package identity
