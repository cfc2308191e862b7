package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ErmakovEv/pwa-test/internal/push"
)

// Prints a fresh VAPID key pair, ready to paste into .env.
func main() {
	asJSON := flag.Bool("json", false, "print the keys as JSON")
	flag.Parse()

	publicKey, privateKey, err := push.GenerateKeys()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *asJSON {
		fmt.Printf("{\"publicKey\":%q,\"privateKey\":%q}\n", publicKey, privateKey)
		return
	}

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
}
