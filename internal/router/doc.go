// Package router translates conversation references into registry topics.
//
// # Topics
//
// Groups use one topic, "group:{id}". Private conversations use two
// symmetric topics, "private:A:B" and "private:B:A", and a client viewing
// the conversation joins both. Publish sends to both and the registry
// delivers a single copy per connection, so each participant receives the
// message regardless of who sent it or which topic they joined first.
//
// # Authorization
//
// Join checks the principal against MembershipResolver before subscribing.
// Leave and Publish trust their arguments.
package router
