// Package broadcast fans analysis events out to live subscribers.
package broadcast
