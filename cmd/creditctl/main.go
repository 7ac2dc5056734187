// Command creditctl is the operator CLI for the credit ledger. It talks to
// Postgres directly, so it works while the API is down.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openPostgresLedger).Execute(); err != nil {
		os.Exit(1)
	}
}
