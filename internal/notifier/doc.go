// Package notifier delivers reminder notifications.
//
// Two independent paths exist, matching what the dispatcher needs to judge
// a reminder delivered:
//
//   - CreateNotification writes an in-app inbox entry and, when the
//     recipient has a Telegram chat and a bot token is configured, pushes a
//     copy there (best effort).
//   - SendEmail sends an HTML mail over SMTP.
//
// # Delivery policy
//
// Every send goes through one rate limiter, a per-call timeout and retry
// with jittered exponential backoff. Successful deliveries are remembered
// for DedupWindow so a notification delivered before a failed store write
// is not sent again on the next poll.
package notifier
