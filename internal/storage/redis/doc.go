// Package redis owns the Redis connection shared by the task queue and the
// ABI cache, and implements the byte cache used as the ABI fetcher's second
// level.
package redis
