// Package daemon exports the build daemon's services over rmi connections.
//
// Each accepted connection gets three context variables: the delta exchange
// (DeltasVariable), the output controller (OutputVariable) and the daemon
// environment (EnvironmentVariable). Clients fetch them with the typed
// helpers RemoteDeltas, RemoteOutput and RemoteEnvironment.
package daemon
