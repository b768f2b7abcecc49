// Package schema defines the entity types shared by the local store, the
// sync engine, and the wire protocol.
//
// Every entity carries two identities:
//
//   - LocalID: assigned by the on-device store at creation time, stable
//     for the entity's local lifetime, never reused. Serialized as a
//     string on the wire (json tag ",string").
//   - ServerID: assigned by the remote authoritative store on first
//     successful push. Serialized as "id". Set at most once.
//
// SyncStatus tracks whether the last known local state has been
// acknowledged remotely. A local edit always resets it to pending.
package schema
