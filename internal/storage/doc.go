package storage

// Package storage persists bot state in a single SQLite database:
//   - Registered users (JID, display name, level)
//   - Per-user per-feature daily quota counters
//   - Small key/value meta (e.g. first login time of the bot account)
