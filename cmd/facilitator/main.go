// Command facilitator runs the self-hosted x402 payment facilitator: it
// dials every configured EVM chain, registers the EIP-7702 and Exact
// mechanisms, and serves the HTTP surface described by the facilitator's
// external interface contract.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/x402rail/facilitator/facilitator"
	"github.com/x402rail/facilitator/facilitator/discovery"
	"github.com/x402rail/facilitator/facilitator/nonce"
	"github.com/x402rail/facilitator/internal/config"
	"github.com/x402rail/facilitator/internal/server"
	"github.com/x402rail/facilitator/mechanisms/evm"
	"github.com/x402rail/facilitator/mechanisms/evm/eip7702"
	"github.com/x402rail/facilitator/mechanisms/evm/exact"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg := config.Load(os.Args[1:])

	fabric, err := evm.NewChainFabric(cfg.RelayerPrivateKey, cfg.ReceiptTimeout)
	if err != nil {
		logger.Error("chain_fabric_init_failed", "err", err.Error())
		os.Exit(1)
	}

	networks := make([]facilitator.Network, 0, len(cfg.RPCURLs))
	for network, rpcURL := range cfg.RPCURLs {
		if err := fabric.Dial(network, rpcURL); err != nil {
			logger.Error("chain_dial_failed", "network", network, "err", err.Error())
			os.Exit(1)
		}
		networks = append(networks, facilitator.Network(network))
		logger.Info("chain_dialed", "network", network)
	}

	arbiter := nonce.NewArbiter()
	catalog := discovery.NewCatalog()

	registry := facilitator.NewRegistry()
	registry.Register(networks, eip7702.New(fabric, arbiter, cfg.DelegateAddress).WithExpiryGrace(cfg.ExpiryGrace))
	registry.Register(networks, exact.New(fabric, arbiter).WithExpiryGrace(cfg.ExpiryGrace))
	registry.RegisterExtension("bazaar")
	registry.OnAfterSettle(catalog.Hook())
	registry.OnAfterSettle(logSettleOutcome(logger))

	logger.Info("relayer_ready", "address", fabric.RelayerAddress().Hex(), "networks", len(networks))

	srv := server.New(registry, catalog, fabric, cfg, logger)
	srv.Start()
}

// logSettleOutcome is an AfterSettleHook that logs one structured line per
// settlement attempt, independent of the discovery catalog's own hook.
func logSettleOutcome(logger *slog.Logger) facilitator.AfterSettleHook {
	return func(_ context.Context, _ facilitator.PaymentPayload, reqs facilitator.PaymentRequirements, result *facilitator.SettleResponse, settleErr error) {
		if settleErr != nil {
			logger.Warn("settle_failed", "network", reqs.Network, "scheme", reqs.Scheme, "err", settleErr.Error())
			return
		}
		logger.Info("settle_completed", "network", reqs.Network, "scheme", reqs.Scheme, "success", result.Success, "transaction", result.Transaction)
	}
}
