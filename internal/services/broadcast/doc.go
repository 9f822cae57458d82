package broadcast

// Package broadcast sends one message to many recipients without getting
// the account banned.
//
// The moving parts:
//   - Tracker: rolling hourly/daily send counters with exponential
//     backoff after block reports.
//   - Tier limits: how hard a fresh account may push vs an established
//     one (messages per hour/day, pacing, batch size).
//   - Planner: order-preserving batch chunks.
//   - Service: the orchestrator driving plan -> confirm -> send with
//     spam pre-flight, recipient validation, pacing jitter and an abort
//     after repeated blocks. One job runs at a time.
