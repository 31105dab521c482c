// Notification pipeline entry point. The binary exposes one command per
// service: `notifier core` and `notifier delivery`.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
