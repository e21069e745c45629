// Package notifier delivers realtime messages to the local user.
//
// Messages published on the bus as realtime.message are converted to
// Notifications and pushed through an async pipeline: bounded queue, worker
// pool, token-bucket rate limit, retry with jittered backoff and a
// time-window dedup. Nothing is delivered while the permission gate is closed.
//
// # History
//
// The service keeps a small in-memory history of recently delivered
// notifications for operator visibility.
package notifier
