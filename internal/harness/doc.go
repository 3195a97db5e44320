// Package harness runs YAML scenarios against the sync engine.
//
// A scenario seeds the store, starts a real engine over an in-process push
// broker, and walks a flow of steps: user actions (sign_in, submit_wink,
// open_chat, send, ...), writes by other parties (insert_match,
// insert_message) and transport faults (disconnect, set_available,
// set_storage). The engine is settled after every step, so the resulting
// trace is deterministic and can be compared against a golden file.
//
// Determinism comes from:
//   - a fresh SQLite database per run
//   - sequential server ids (id-1, id-2, ...)
//   - a stepping wall clock (testutil.DeterministicClock)
//   - engine.Settle after every step
//
// Example scenario:
//
//	name: chat_roundtrip
//	description: Alice chats with Bob
//	setup:
//	  - action: insert_wink
//	    args: {as: w1, owner: alice, lat: 51.5, lng: -0.1, radius: 100}
//	  - action: insert_match
//	    args: {as: m1, wink: "$w1", user_a: alice, user_b: bob}
//	flow:
//	  - invoke: sign_in
//	    args: {user: alice}
//	  - invoke: open_chat
//	    args: {match: "$m1"}
//	  - invoke: send
//	    args: {match: "$m1", content: "   "}
//	    expect:
//	      case: Validation
//	assertions:
//	  - type: notifications
//	    count: 1
package harness
