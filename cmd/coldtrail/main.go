package main

import (
	"os"

	// The archive timezone must resolve even on hosts without a tz database.
	_ "time/tzdata"

	"coldtrail/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
