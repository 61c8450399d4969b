// Package lockstore provides the lease stores behind the cluster-singleton
// heartbeat.
//
// Drivers:
//   - memory: process-local, for tests and single-node setups
//   - sqlite: a shared SQLite file (several processes on one host)
//   - postgres: a shared PostgreSQL table (several hosts)
package lockstore
