// Package client talks to a parley gateway from the user's side.
//
// # Overview
//
// Two halves make up a client:
//
//   - HTTPClient wraps the HTTP API: send, delete, history and groups.
//   - WebSocketDialer opens the live channel and implements session.Dialer.
//
// Together they satisfy the interfaces a session.Session needs:
//
//	api := client.NewHTTPClient(serverURL, userID, token, nil)
//	dialer := client.NewWebSocketDialer(serverURL, userID, token, nil)
//	sess := session.New(userID, dialer, api, session.Options{Sender: api})
//
// # Live Channel
//
// Join and Leave send a frame and wait for the matching ack or error,
// correlated by request_id. Pushed message and deleted frames are delivered
// on Frames, which closes when the socket drops. Frames are buffered; if the
// consumer falls behind the connection is closed rather than dropping a
// frame, and the session reconciles from history on reconnect.
//
// # History
//
// FetchHistory pages forward by since_id until the server reports no more
// messages, so a reconnecting session sees every message it missed.
package client
