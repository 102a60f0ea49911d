// Package storage persists the recipient directory and the broadcast audit
// log. Drivers: memory, sqlite (modernc.org/sqlite), redis and dynamodb.
package storage
