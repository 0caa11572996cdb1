// Command schedctl runs the pieces of a distributed work scheduler: remote workers, the
// provisioning platform that launches them, and demo runs over local, remote and split pools.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}
