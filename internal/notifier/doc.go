// Package notifier delivers notifications to users.
//
// Web notifications are rows in the notifications table. Email and push go
// through registered channels (SMTP, Telegram) behind a shared token-bucket
// limiter and a short dedup window, so a burst of identical reminders does
// not spam a user.
package notifier
