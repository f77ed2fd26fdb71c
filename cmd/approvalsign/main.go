// approvalsign signs a batch approval message with a secp256k1 key held
// locally by the authorizing party. The server never sees the key, only the
// resulting signature.
//
// Usage: approvalsign <batchId> [nonce] [signedTimestamp]
// Requires APPROVER_PRIVATE_KEY in the environment.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/example/payroll-infra/internal/approval"
)

func main() {
	key := os.Getenv("APPROVER_PRIVATE_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "Set APPROVER_PRIVATE_KEY in the environment.")
		os.Exit(1)
	}

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: approvalsign <batchId> [nonce] [signedTimestamp]")
		os.Exit(1)
	}
	batchID := args[0]
	nonce := ""
	if len(args) > 1 {
		nonce = args[1]
	}
	ts := time.Now().Unix()
	if len(args) > 2 {
		parsed, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid timestamp %q: %v\n", args[2], err)
			os.Exit(1)
		}
		ts = parsed
	}

	priv, err := approval.ParsePrivateKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid APPROVER_PRIVATE_KEY: %v\n", err)
		os.Exit(1)
	}

	message := approval.Message(batchID, nonce, ts)
	signature := approval.Sign(message, priv)

	fmt.Println("message:", message)
	fmt.Println("signature:", signature)
	fmt.Println("signer address:", approval.Address(priv))
}
