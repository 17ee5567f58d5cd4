// Command loadgen migrates a fleet of tenant databases and then keeps them busy with synthetic
// order-management traffic until it receives SIGINT or SIGTERM.
//
// Usage:
//
//	loadgen [run|migrate|rollback|status] [flags]
//
// Every flag has an environment variable counterpart (see -h). Exit codes are 0 on success or clean
// shutdown, 1 when startup fails, and 2 for usage or configuration errors.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr)
	stop()

	os.Exit(code)
}
