// Package notifier turns accepted stock changes into push notifications.
//
// # Sending
//
// BatchSender splits a recipient list into provider-sized batches and paces requests
// with a token bucket plus a minimum gap between requests. A provider rate-limit
// response is retried along a fixed delay ladder. Recipients the provider reports as
// unregistered are deactivated in the registry at once; recipients that keep failing
// across independent sends are deactivated after a threshold.
//
// # Planning
//
// Service builds dispatch tasks for items, weather and vendor arrivals. Each task
// resolves its recipients when it runs, sends, records last-used times and appends
// to the notification history.
package notifier
