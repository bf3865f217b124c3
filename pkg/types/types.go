// Package types defines the core domain types shared between agent and control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Immutability: Events and timeline entries are never mutated; aggregates are cloned at API boundaries
// 4. Validation: Configuration types include Validate() methods returning *ConfigurationError
package types

// Actors recorded on transitions and timeline entries when no human is involved.
const (
	ActorRule        = "rule"
	ActorSystem      = "system"
	ActorEscalation  = "escalation"
	ActorMaintenance = "maintenance"
	ActorDedup       = "dedup"
)
