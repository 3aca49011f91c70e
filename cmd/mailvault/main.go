// The mailvault command copies a remote mailbox into a local identity
// store, resumably and with any number of fetch workers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if errors.Cause(err) != context.Canceled {
			fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		}
		os.Exit(1)
	}
}
