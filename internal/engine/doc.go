// Package engine implements the Winklet realtime synchronization engine.
//
// The engine keeps a signed-in user's winks, matches and open chats in step
// with storage. Each view is loaded by a one-shot fetch and then kept current
// by push subscriptions, merging both paths through OrderedDedupList so a
// record seen twice is held once.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// All engine state is owned by one loop goroutine. Public methods marshal
// onto the loop with call and wait for the result. Push callbacks, fetch
// results and reconnect timers post tasks to the same loop, so no engine
// state is ever shared across goroutines.
//
// Off-Loop I/O:
// Storage calls never run on the loop. A fetch runs on its own goroutine and
// posts its result back; SubmitWink and Send call storage on the caller's
// goroutine and merge the confirmed record afterwards.
//
// Notifier Loop:
// User callbacks (OnNewMatch, Session.OnMessage) run in order on a second
// loop so they may call back into the engine without deadlocking it.
//
// CRITICAL PATTERNS:
//
// Generation Stamps:
// Every subscription attempt and every fetch is stamped with Clock.Next().
// A callback or result whose stamp no longer matches its owner is discarded,
// so nothing from a closed session or dropped subscription is ever merged.
//
// Subscribe Before Fetch:
// Components acquire their subscription before starting the fetch. An insert
// landing between the two arrives on both paths and is deduplicated.
//
// Reference Counting:
// The subscription registry shares one push subscription per (kind, id)
// across all handles. The underlying subscription closes when the last
// handle is released.
//
// Settle:
// Every queued task, fetch goroutine and reconnect timer is counted. Settle
// waits for the count to reach zero, which gives tests and the scenario
// harness a deterministic point to observe state.
package engine
