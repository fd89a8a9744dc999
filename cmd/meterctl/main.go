// Command meterctl is the operator CLI for the credit metering store:
// reconciliation runs, usage-counter resets, ledger inspection and schema
// migrations.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(wireApp).Execute(); err != nil {
		os.Exit(1)
	}
}
