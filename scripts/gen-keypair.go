//go:build ignore

// gen-keypair.go generates an Ed25519 keypair in the base64 form the AIM
// control plane expects, for registering MCP servers or provisioning
// agents out of band.
//
// Run with: go run scripts/gen-keypair.go [-json]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/opena2a/aim-go-sdk/pkg/signing"
)

func main() {
	jsonOut := flag.Bool("json", false, "emit JSON instead of text")
	flag.Parse()

	kp, err := signing.GenerateKeypair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]string{
			"public_key":  kp.PublicBase64(),
			"private_key": kp.PrivateBase64(),
		})
		return
	}

	fmt.Printf("Public key:  %s\n", kp.PublicBase64())
	fmt.Printf("Private key: %s\n", kp.PrivateBase64())
	fmt.Println("\nKeep the private key secret. The public key goes to the control")
	fmt.Println("plane, e.g.: aim mcp register --mcp-name my-server --public-key '...'")
}
