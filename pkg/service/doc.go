// Package service is the facade the API and CLI talk to. It validates
// operator requests, resolves node references against the registry,
// consults the approval gate before a session leaves pending, and
// delegates all state changes to the coordinator.
package service
