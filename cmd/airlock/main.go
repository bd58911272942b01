// Airlock is a PII-anonymizing reverse proxy for LLM chat-completion
// APIs: prompts are scrubbed of personal data before they leave the
// trust boundary and responses are restored on the way back.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/eugener/airlock/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default "+config.DefaultPath+" when present)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("airlock", version)
		os.Exit(0)
	}

	if err := run(config.Locate(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
