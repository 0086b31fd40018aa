// Package viewer is the universal viewer: it shows any record of any tree as
// an editable YAML document, without compile time knowledge of its type.
//
// An OpaqueKey (tree name and raw key bytes) is resolved through the tree
// registry to the type erased Binding of its tree. Trees without a binding
// still render: JSON payloads as YAML, anything else base64 encoded. The
// viewer is used by the CLI and the inspection API only; the commit path
// never goes through it.
package viewer
