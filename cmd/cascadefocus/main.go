// Command cascadefocus runs the conference-focus core as a standalone
// process: bridge registry, selection/topology strategies, and the
// background lifecycle timers, wired together per the loaded config.
package main

import (
	"os"

	"github.com/sebas/cascadefocus/cmd/cascadefocus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
