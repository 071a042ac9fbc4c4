package x402_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/ethereum/go-ethereum/crypto"
	x402 "github.com/vitwit/x402-approvals"
	"github.com/vitwit/x402-approvals/settlement"
	"github.com/vitwit/x402-approvals/signer"
)

func Example() {
	// A paid API that answers once a payment proof is attached.
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(settlement.HeaderPaymentV2) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		_, _ = w.Write([]byte(`{"joke":"..."}`))
	}))
	defer api.Close()

	engine := x402.NewInMemory(x402.WithVerifier(signer.EOAVerifier{}))
	defer engine.Close()
	ctx := context.Background()

	pending, err := engine.Capture(ctx, x402.CaptureRequest{
		UserID:    "alice",
		ChainID:   84532,
		TargetURL: api.URL + "/joke",
		PaymentRequirements: json.RawMessage(`{"x402Version":2,"accepts":[{"scheme":"exact",` +
			`"network":"eip155:84532","amount":"10000","payTo":"0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}]}`),
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(pending.Status, *pending.Amount)

	key, _ := crypto.GenerateKey()
	wallet := signer.FromECDSA(key)

	td, err := engine.PrepareAuthorization(ctx, pending.ID, "alice", wallet.Address())
	if err != nil {
		panic(err)
	}
	sig, err := wallet.SignAuthorization(ctx, td)
	if err != nil {
		panic(err)
	}

	res, err := engine.Approve(ctx, settlement.ApproveRequest{
		PaymentID:     pending.ID,
		UserID:        "alice",
		Signature:     sig,
		Authorization: td.Message,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(res.Status, res.HTTPStatus)

	// Output:
	// pending 0.01
	// completed 200
}
