// Balrog is a load-generation and measurement tool for Azure OpenAI
// chat-completion deployments.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
