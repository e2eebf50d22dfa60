// Package wakecache suppresses duplicate wake pushes using a time-based
// cache, so rapid retries within a configurable window send at most one push.
package wakecache
