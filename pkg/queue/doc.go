// Package queue publishes blocks to a durable topic.
//
// Publisher abstracts the broker client. BlockPublisher turns a block into a
// keyed envelope so that every block of a chain lands on the same partition
// and keeps its publish order.
//
// All Publisher implementations require Close to be called exactly once to
// release resources and flush in-flight messages.
package queue
