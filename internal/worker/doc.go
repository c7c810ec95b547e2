// Package worker is the job runtime. A Runner pairs an initializer, which
// claims due rows each period and starts their bodies concurrently, with a
// single finalizer that completes or fails them in dispatch order.
package worker
