// Command roomsyncd runs the room sync server.
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("roomsyncd: %v", err)
	}
}
