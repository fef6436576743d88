package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guido-cesarano/txqueue/pkg/handler"
	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
)

// simulatedWork is how long each demo handler pretends to work.
var simulatedWork = map[string]time.Duration{
	"email":        200 * time.Millisecond,
	"image_resize": 500 * time.Millisecond,
	"slow":         5 * time.Second,
	"token_deploy": time.Second,
}

type emailTx struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

type imageResizeTx struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type tokenDeployTx struct {
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Supply  int64  `json:"supply"`
	Network string `json:"network"`
}

// newRegistry wires the demo handlers.
func newRegistry() *handler.Registry {
	reg := handler.NewRegistry()
	handler.Register(reg, "email", processEmail)
	handler.Register(reg, "image_resize", processImageResize)
	handler.Register(reg, "slow", processSlow)
	handler.Register(reg, "token_deploy", processTokenDeploy)
	return reg
}

// simulate sleeps for the configured duration of txType, returning early
// with a transient error if ctx ends.
func simulate(ctx context.Context, txType string) error {
	select {
	case <-time.After(simulatedWork[txType]):
		return nil
	case <-ctx.Done():
		return qerrors.Transient(ctx.Err())
	}
}

func missing(field string) error {
	return qerrors.Permanent(&qerrors.ValidationError{Field: field, Message: "missing required field"})
}

func processEmail(ctx context.Context, tx emailTx) (item.Result, error) {
	if tx.To == "" {
		return item.Result{}, missing("to")
	}
	logger.Log.Info().Str("to", tx.To).Msg("Sending email...")
	if err := simulate(ctx, "email"); err != nil {
		return item.Result{}, err
	}
	return item.Result{Success: true}, nil
}

func processImageResize(ctx context.Context, tx imageResizeTx) (item.Result, error) {
	if tx.URL == "" {
		return item.Result{}, missing("url")
	}
	if tx.Width <= 0 || tx.Height <= 0 {
		return item.Result{}, qerrors.Permanent(&qerrors.ValidationError{Field: "width", Message: "dimensions must be positive"})
	}
	logger.Log.Info().Str("url", tx.URL).Int("width", tx.Width).Int("height", tx.Height).Msg("Resizing image...")
	if err := simulate(ctx, "image_resize"); err != nil {
		return item.Result{}, err
	}
	data, err := json.Marshal(map[string]string{"url": tx.URL, "size": fmt.Sprintf("%dx%d", tx.Width, tx.Height)})
	if err != nil {
		return item.Result{}, err
	}
	return item.Result{Success: true, Data: data}, nil
}

func processSlow(ctx context.Context, _ json.RawMessage) (item.Result, error) {
	logger.Log.Info().Dur("duration", simulatedWork["slow"]).Msg("Processing slow simulation transaction...")
	if err := simulate(ctx, "slow"); err != nil {
		return item.Result{}, err
	}
	return item.Result{Success: true}, nil
}

// processTokenDeploy stands in for a deployment that calls out to a chain RPC.
// The returned contract address is random.
func processTokenDeploy(ctx context.Context, tx tokenDeployTx) (item.Result, error) {
	switch {
	case tx.Name == "":
		return item.Result{}, missing("name")
	case tx.Symbol == "":
		return item.Result{}, missing("symbol")
	case tx.Supply <= 0:
		return item.Result{}, qerrors.Permanent(&qerrors.ValidationError{Field: "supply", Message: "supply must be positive"})
	}
	network := tx.Network
	if network == "" {
		network = "testnet"
	}

	logger.Log.Info().Str("symbol", tx.Symbol).Str("network", network).Msg("Deploying token...")
	if err := simulate(ctx, "token_deploy"); err != nil {
		return item.Result{}, err
	}

	address := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	data, err := json.Marshal(map[string]string{"contractAddress": address, "network": network, "symbol": tx.Symbol})
	if err != nil {
		return item.Result{}, err
	}
	return item.Result{Success: true, Data: data}, nil
}
