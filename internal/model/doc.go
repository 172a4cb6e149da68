// Package model defines the shared data model for tandem: entities, vector
// clocks, patches, change events, pending operations, pages and the wire
// request/response shapes exchanged with the authoritative backend.
//
// This package contains types and pure helpers only. Every other internal
// package imports model; model imports nothing internal.
//
// Key constraints:
//   - NO float types in entity data. Field values use the sealed Value
//     interface and positions are int64, so canonical encoding and
//     event keys are reproducible across replicas.
//   - Entity.ID is immutable, Entity.Version strictly increases with every
//     accepted mutation, and VectorClock entries never decrease.
//   - Wire JSON uses camelCase to match the change event wire format.
package model
