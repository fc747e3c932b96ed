// Command aegis-verify recomputes Aegis digests and checks Merkle proofs
// offline, without contacting the evaluation service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
