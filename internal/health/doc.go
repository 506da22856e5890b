// Package health provides liveness and readiness endpoints for the key
// gateway.
//
// Liveness only reports that the process is serving. Readiness runs the
// registered dependency checks (the rate limit counter store, the Postgres
// pool, optionally the upstream) concurrently under a timeout and fails when
// a critical dependency fails or the gateway is draining.
//
//	checker := health.NewChecker(version, health.WithLogger(logger))
//	checker.Register(health.PingCheck("redis", health.DependencyTypeCache, redisStore))
//
//	admin := gin.New()
//	health.NewHandler(checker).Register(admin)
package health
