// Package workload generates synthetic order-management traffic against tenant databases.
//
// Five operations exist, drawn with fixed weights out of 100: create a customer with an order (40),
// advance an order's status (30), add an order to an existing customer (15), update a customer's
// email (10), and delete an item of an order that can still be canceled (5). Rows are picked
// uniformly at random; when no eligible row exists the operation is skipped, which is not an error.
//
// A Scheduler runs one database's loop. Driver errors are logged at warn level and cause the
// database's connection to be invalidated, so the next operation reconnects; the loop never stops
// on its own.
package workload
