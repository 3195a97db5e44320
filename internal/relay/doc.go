// Package relay carries push subscriptions over a websocket.
//
// The Server tails newly committed rows out of the SQLite store, waking on
// fsnotify events for the database and its WAL with a ticker as fallback, and
// fans each row out to the connected peers whose subscriptions match it.
// The Client implements push.Subscriber against a Server, so an engine in
// another process sees inserts the same way it would from the in-process
// broker.
//
// Wire protocol (JSON text frames):
//
//	client → server  {"type":"subscribe","id":1,"table":"messages","filter":{...}}
//	server → client  {"type":"subscribed","id":1}
//	server → client  {"type":"insert","id":1,"table":"messages","record":{...}}
//	client → server  {"type":"unsubscribe","id":1}
//	server → client  {"type":"error","id":1,"error":"..."}
//
// A dropped connection drops every subscription on it. The Client reports
// that through each Sink's Drop and dials again on the next Subscribe.
package relay
