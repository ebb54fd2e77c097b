// Package session manages the lifecycle of upstream messaging connections.
//
// A Registry maps opaque session ids to Sessions; each Session owns exactly
// one engine client and drives it through a small state machine fed by the
// engine's asynchronous events. Terminal sessions leave the registry, so a
// later lookup treats them as absent and callers re-create.
package session
