// Package maintenance holds the periodic housekeeping workers: temp
// directory cleanup and the weekly unread link digest.
//
// Both seed their own startup request and read their configuration once,
// when that request is created. A config reload does not reach them.
package maintenance
