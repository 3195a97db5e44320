// Package query provides the filter representation shared by the storage
// collaborator and the push collaborators.
//
// The same predicate tree scopes a one-shot fetch (compiled to SQL by
// package querysql) and a push subscription (evaluated in memory by
// Matches against each inserted record). Using one representation for both
// guarantees that a fetch and the subscription opened for the same resource
// agree on which rows belong to it.
//
// ARCHITECTURE:
//
//	[engine scope] → [query.Select] → [querysql]  → SQLite
//	                 [query.Predicate] → [Matches] → push broker / relay
//
// SEALED INTERFACES:
//
// Predicate is sealed using the marker method pattern. Only types in this
// package implement it, which keeps type switches in backends exhaustive.
//
// SUPPORTED FRAGMENT:
//   - Equals: text column = literal
//   - And: all predicates true (empty = always true)
//   - Or: any predicate true (empty = always false)
//
// Values are text only. Every filterable column in the data model is an id
// or foreign key.
package query
