// Command readlock probes, cleans and consumes directories using the
// exclusive read lock strategies.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
