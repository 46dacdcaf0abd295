package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ZKPay-Chain/sdk/go/zkpay"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "orchestrator base url")
	amount := flag.String("amount", "10000", "settlement amount in minor units")
	flag.Parse()

	client, err := zkpay.NewClient(*baseURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	session, err := zkpay.Dial(ctx, client.SessionURL("/ws"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer session.Close()

	err = session.SubmitProof(zkpay.ProofRequest{
		Function:    "prove_device_proximity",
		Arguments:   []any{"5050", "5050"},
		StepSize:    10,
		Explanation: "device is within the merchant geofence",
		Amount:      *amount,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ack, err := session.AwaitAck(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if ack.Type == "error" {
		fmt.Fprintf(os.Stderr, "rejected: %s %s\n", ack.Code, ack.Message)
		os.Exit(1)
	}
	fmt.Printf("accepted proof %s\n", ack.ProofID)

	events, err := session.AwaitProof(ctx, ack.ProofID, "proof_error", "settlement_complete", "settlement_error")
	for _, ev := range events {
		fmt.Printf("%-22s status=%s chain=%s tx=%s code=%s\n", ev.Type, ev.Status+ev.Result, ev.TargetChain, ev.TxHash, ev.Code)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	view, err := client.GetProof(ctx, ack.ProofID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("proof %s result=%v\n", ack.ProofID, view.Result["status"])
}
