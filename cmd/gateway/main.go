// gateway is the CLI entrypoint for the MQTT authentication/authorization
// and message-shaping gateway.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
