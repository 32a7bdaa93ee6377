//go:build !test

package main

import (
	"log"

	"github.com/vmpostcopy/postcopyd/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
