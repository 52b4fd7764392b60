// Package chat defines the types shared by every layer of the delivery core:
// conversations, messages, topics and websocket frames.
//
// # Topics
//
// A group conversation maps to the single topic "group:{id}". A private
// conversation between A and B maps to two symmetric topics, "private:A:B"
// and "private:B:A", which always carry identical message streams.
//
// # Ordering
//
// Messages are ordered by SentAt with ties broken by ID. History responses
// and client timelines both use Compare.
package chat
