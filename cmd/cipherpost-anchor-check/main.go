// Command cipherpost-anchor-check queries the notary ledger for a content
// hash from the operator's shell: registration state, record details, and
// optionally a fresh registration. Useful when triaging messages flagged
// needs_review.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cipherpost/cipherpost-server/internal/ledger"
	"github.com/cipherpost/cipherpost-server/internal/protocol"
)

type report struct {
	ContentHash  string `json:"content_hash"`
	Registered   bool   `json:"registered"`
	RegisteredAt string `json:"registered_at,omitempty"`
	Registrar    string `json:"registrar,omitempty"`
	TxRef        string `json:"tx_ref,omitempty"`
	TxStatus     string `json:"tx_status,omitempty"`
}

func main() {
	ledgerURL := flag.String("ledger-url", "", "notary ledger base url")
	writeToken := flag.String("write-token", "", "ledger write token (required with -register)")
	hash := flag.String("hash", "", "content hash to look up (0x + 64 hex chars)")
	txRef := flag.String("tx", "", "transaction reference to check instead of a hash")
	register := flag.Bool("register", false, "register the hash if it is not on the ledger")
	timeoutSeconds := flag.Int("timeout", 10, "ledger request timeout in seconds")
	flag.Parse()

	if *ledgerURL == "" {
		fmt.Fprintln(os.Stderr, "-ledger-url is required")
		os.Exit(1)
	}
	if *hash == "" && *txRef == "" {
		fmt.Fprintln(os.Stderr, "one of -hash or -tx is required")
		os.Exit(1)
	}
	if *hash != "" && !protocol.ValidDigest(*hash) {
		fmt.Fprintf(os.Stderr, "-hash must be a 0x-prefixed %d-character hex digest\n", protocol.DigestLength)
		os.Exit(1)
	}
	if *register && *writeToken == "" {
		fmt.Fprintln(os.Stderr, "-write-token is required with -register")
		os.Exit(1)
	}

	token := *writeToken
	if token == "" {
		// Reads are unauthenticated; the client just requires a non-empty token.
		token = "read-only"
	}
	client, err := ledger.NewHTTPClient(ledger.HTTPClientParams{
		BaseURL:    *ledgerURL,
		WriteToken: token,
		Timeout:    time.Duration(*timeoutSeconds) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger client error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSeconds+5)*time.Second)
	defer cancel()

	if *txRef != "" {
		status, err := client.TxStatus(ctx, *txRef)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tx status error: %v\n", err)
			os.Exit(1)
		}
		printJSON(report{TxRef: *txRef, TxStatus: status})
		return
	}

	out := report{ContentHash: *hash}
	rec, ok, err := client.Info(ctx, *hash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger lookup error: %v\n", err)
		os.Exit(1)
	}
	if ok {
		out.Registered = true
		out.RegisteredAt = rec.RegisteredAt.Format(time.RFC3339)
		out.Registrar = rec.Registrar
	}

	if !ok && *register {
		ref, err := client.Submit(ctx, *hash)
		if err != nil && !errors.Is(err, ledger.ErrAlreadyRegistered) {
			fmt.Fprintf(os.Stderr, "register error: %v\n", err)
			os.Exit(1)
		}
		out.Registered = true
		out.TxRef = ref
		if ref != "" {
			if status, err := client.TxStatus(ctx, ref); err == nil {
				out.TxStatus = status
			}
		}
	}

	printJSON(out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
