// Package dispatch turns committed domain mutations into broker messages.
//
// Typical flow:
//  1. A mutation service raises a Notification on the Bus inside a unit of work (see the txn package).
//  2. After the commit the Bus hands the notification to its subscribers; the Forwarder
//     translates it into an immutable Event and publishes it through the Publisher.
//  3. The Publisher retries transient send failures with exponential backoff. A final
//     failure is logged, counted and swallowed by the Bus, and can be kept in a failure
//     ledger that the Replayer republishes later.
//
// Nothing is published for a unit of work that rolls back. Delivery is at least once:
// consumers must deduplicate by message id.
//
// For the RabbitMQ sender and topology declaration see the rabbitmq package; for the
// MySQL ledger see the mysql package.
package dispatch
