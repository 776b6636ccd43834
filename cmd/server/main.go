package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edupay/internal/admin"
	"edupay/internal/config"
	"edupay/internal/idempotency"
	"edupay/internal/ledger"
	"edupay/internal/orchestrator"
	"edupay/internal/server"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var store idempotency.Store
	if cfg.Service.PostgresDSN != "" {
		pg, err := idempotency.NewPostgresStore(context.Background(), cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres store error: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		store = fs
	}

	var (
		led       ledger.Ledger
		approver  orchestrator.Approver
		confirmer orchestrator.Confirmer
		adminAddr common.Address
	)

	if cfg.Chain.PrivateKey != "" {
		eth, err := ledger.NewEthLedger(context.Background(), ledger.EthLedgerConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			EscrowAddress: cfg.Deployment.Contracts.TuitionEscrow,
			TokenAddress:  cfg.Deployment.Contracts.USDStablecoin,
			PollInterval:  cfg.Service.ConfirmPollInterval,
		})
		if err != nil {
			log.Fatalf("escrow ledger error: %v", err)
		}
		led = eth
		approver = eth
		confirmer = eth
		adminAddr = eth.Sender()
		log.Printf("chain ledger at %s, signing as %s", eth.Address().Hex(), adminAddr.Hex())
	} else {
		token := ledger.NewToken(cfg.App.Asset.Symbol, cfg.App.Asset.Decimals)
		escrowAddr := common.HexToAddress(cfg.Deployment.Contracts.TuitionEscrow)
		adminAddr = common.HexToAddress(cfg.Deployment.Admin)
		mem := ledger.NewMemoryLedger(token, escrowAddr, adminAddr)
		led = mem
		approver = ledger.DevApprover{Token: token, Spender: escrowAddr}
		confirmer = ledger.InstantConfirmer{}
		log.Printf("no private key configured, using in-process ledger")
	}

	orch := orchestrator.New(led, approver, confirmer)
	coord := admin.NewCoordinator(led, adminAddr)

	apiServer := server.NewServer(cfg, led, orch, coord, store)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
}
