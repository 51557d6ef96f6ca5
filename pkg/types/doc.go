// Package types defines the Backend and UnitOfWork interfaces, the Entity
// contract every persistable node implements, the per-kind Schema registry,
// query predicates, configuration and the standard errors for Larder.
package types
