// Copyright 2025 Certen Protocol
//
// Aggregator entrypoint: boots one replica of the commitment
// aggregator, reloads the in-memory SMT from the leaf store, joins
// leader election, and serves the JSON-RPC surface. Whether this
// replica produces blocks or follows the change feed is decided at
// runtime by the leadership lease.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aggregatornet/aggregator/pkg/anchor"
	"github.com/aggregatornet/aggregator/pkg/audittrail"
	"github.com/aggregatornet/aggregator/pkg/blockstore"
	"github.com/aggregatornet/aggregator/pkg/bootcache"
	"github.com/aggregatornet/aggregator/pkg/changefeed"
	"github.com/aggregatornet/aggregator/pkg/config"
	"github.com/aggregatornet/aggregator/pkg/cryptoalg"
	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/election"
	"github.com/aggregatornet/aggregator/pkg/follower"
	"github.com/aggregatornet/aggregator/pkg/leafstore"
	"github.com/aggregatornet/aggregator/pkg/queue"
	"github.com/aggregatornet/aggregator/pkg/recordstore"
	"github.com/aggregatornet/aggregator/pkg/roundmanager"
	"github.com/aggregatornet/aggregator/pkg/rpcserver"
	"github.com/aggregatornet/aggregator/pkg/smt"
	"github.com/aggregatornet/aggregator/pkg/validator"
)

func main() {
	logger := log.New(log.Writer(), "[Aggregator] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	db, err := database.NewClient(cfg)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := db.MigrateUp(bootCtx); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}

	records := recordstore.New(db)
	pending := queue.New(db)
	leaves := leafstore.New(db)
	blocks := blockstore.New(db)

	// Any rows a previous process left PROCESSING belong to a round that
	// never sealed; they must rejoin the next drain.
	recovered, err := pending.RecoverProcessing(bootCtx)
	if err != nil {
		log.Fatalf("Pending queue recovery failed: %v", err)
	}
	if recovered > 0 {
		logger.Printf("recovered %d in-flight commitments back to pending", recovered)
	}

	// Rebuild the SMT before anything reads or mutates it. The boot
	// cache is an optional local accelerator; a replica without one
	// streams everything from the leaf store.
	tree := smt.NewTree()
	var cache *bootcache.Cache
	if cfg.BootCacheDir != "" {
		cache, err = bootcache.Open(cfg.BootCacheDir)
		if err != nil {
			logger.Printf("warning: boot cache unavailable, reloading without it: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}
	if err := follower.Reload(bootCtx, tree, leaves, cache, cfg.FollowerBootChunkSize); err != nil {
		log.Fatalf("SMT reload failed: %v", err)
	}
	bootCancel()

	var anchorClient anchor.Client
	if cfg.AnchorMock {
		logger.Println("using mock trust-anchor client")
		anchorClient = anchor.NewMockClient()
	} else {
		evmCfg := anchor.EVMConfig{
			RPCURL:          cfg.EthereumURL,
			ChainID:         cfg.EthChainID,
			PrivateKeyHex:   cfg.EthPrivateKey,
			ContractAddress: cfg.AnchorContractAddress,
		}
		if cfg.AnchorConfigPath != "" {
			anchorCfg, err := config.LoadAnchorConfig(cfg.AnchorConfigPath)
			if err != nil {
				log.Fatal("Failed to load anchor configuration:", err)
			}
			evmCfg.GasLimit = uint64(anchorCfg.Gas.GasLimitAnchor)
			if anchorCfg.Network.RPCURL != "" {
				evmCfg.RPCURL = anchorCfg.Network.RPCURL
			}
			if anchorCfg.Contract.ChainID != 0 {
				evmCfg.ChainID = anchorCfg.Contract.ChainID
			}
			if anchorCfg.Contract.Address != "" {
				evmCfg.ContractAddress = anchorCfg.Contract.Address
			}
		}
		evm, err := anchor.NewEVMClient(evmCfg)
		if err != nil {
			log.Fatal("Failed to connect trust-anchor client:", err)
		}
		defer evm.Close()
		anchorClient = evm
	}

	auditClient, err := audittrail.NewClient(context.Background(), &audittrail.ClientConfig{
		ProjectID:       cfg.FirebaseProjectID,
		CredentialsFile: cfg.FirebaseCredentialsFile,
		Enabled:         cfg.FirestoreEnabled,
	})
	if err != nil {
		log.Fatal("Failed to initialize audit trail mirror:", err)
	}
	defer auditClient.Close()

	initialHash, err := cfg.InitialBlockHashBytes()
	if err != nil {
		log.Fatal("Invalid initial block hash:", err)
	}

	rounds := roundmanager.New(roundmanager.Config{
		ChainID:               cfg.ChainID,
		Version:               cfg.Version,
		ForkID:                cfg.ForkID,
		InitialBlockHash:      initialHash,
		BlockCreationWaitTime: time.Duration(cfg.BlockCreationWaitTimeSeconds) * time.Second,
	}, tree, pending, records, leaves, blocks, anchorClient,
		audittrail.NewService(auditClient, cfg.NodeID))

	syncer := follower.New(tree, leaves, blocks)
	feed := changefeed.New(db, blocks, cfg.DatabaseURL, "blockRecords_"+cfg.NodeID)

	// The feed consumer runs whenever this node is not leader.
	// Leadership transitions swap between producing blocks and consuming
	// the feed; the two never run at once.
	feedCtl := newFeedController(feed, syncer)

	elector := election.New(db, election.Config{
		NodeID:         cfg.NodeID,
		LeaseTTL:       time.Duration(cfg.LeaseTTLSeconds) * time.Second,
		HeartbeatEvery: time.Duration(cfg.LeaseHeartbeatSeconds) * time.Second,
		PollEvery:      time.Duration(cfg.LeasePollIntervalMillis) * time.Millisecond,
	})
	elector.OnBecomeLeader(func() {
		feedCtl.stop()
		rounds.StartBlockProduction()
	})
	elector.OnLoseLeader(func() {
		rounds.StopBlockProduction()
		feedCtl.start()
	})

	// Every replica boots as a follower; the first election tick decides
	// whether it stays one.
	feedCtl.start()

	electionCtx, electionCancel := context.WithCancel(context.Background())
	electionDone := make(chan struct{})
	go func() {
		defer close(electionDone)
		if err := elector.Run(electionCtx); err != nil {
			logger.Printf("election loop ended: %v", err)
		}
	}()

	signer, err := rpcserver.NewReceiptSigner(cfg.ReceiptPrivateKey)
	if err != nil {
		log.Fatal("Failed to initialize receipt signer:", err)
	}
	server := rpcserver.New(rpcserver.Config{
		ListenAddr:       cfg.ListenAddr,
		ServerID:         cfg.NodeID,
		ConcurrencyLimit: cfg.AdmissionConcurrencyLimit,
	}, validator.New(records, cryptoalg.DefaultRegistry()),
		rounds, records, blocks, tree, elector, signer)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Printf("received %v, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			log.Fatal("HTTP server failed:", err)
		}
		return
	case err := <-feedCtl.fatal:
		// A follower that cannot reproduce the leader's tree must not
		// keep serving proofs from a diverged root.
		log.Fatalf("Follower synchronization failed, restart required: %v", err)
	}

	// Shutdown order: stop taking requests, finish any in-flight round,
	// stop the feed consumer, release the lease last.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.BlockCreationWaitTimeSeconds)*time.Second+5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	rounds.StopBlockProduction()
	feedCtl.shutdown()
	electionCancel()
	<-electionDone
	logger.Println("shutdown complete")
}

// feedController starts and stops the change-feed consumer as
// leadership flips. Transport errors restart the feed with bounded
// backoff; divergence errors (missing leaves, a leaf value conflict)
// surface on the fatal channel instead.
type feedController struct {
	feed   *changefeed.Feed
	sync   *follower.Synchronizer
	logger *log.Logger
	fatal  chan error

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func newFeedController(feed *changefeed.Feed, syncer *follower.Synchronizer) *feedController {
	return &feedController{
		feed:   feed,
		sync:   syncer,
		logger: log.New(log.Writer(), "[FeedController] ", log.LstdFlags),
		fatal:  make(chan error, 1),
	}
}

func (fc *feedController) start() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed || fc.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	fc.cancel = cancel
	done := make(chan struct{})
	fc.done = done

	go func() {
		defer close(done)
		backoff := time.Second
		for ctx.Err() == nil {
			err := fc.feed.Run(ctx, func(blockNumber uint64) error {
				return fc.sync.ApplyBlock(ctx, blockNumber)
			})
			if err == nil || ctx.Err() != nil {
				return
			}
			if errors.Is(err, follower.ErrLeavesMissing) || errors.Is(err, smt.ErrLeafConflict) {
				select {
				case fc.fatal <- err:
				default:
				}
				return
			}
			fc.logger.Printf("feed interrupted, reconnecting in %v: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (fc *feedController) stop() {
	fc.mu.Lock()
	cancel, done := fc.cancel, fc.done
	fc.cancel, fc.done = nil, nil
	fc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// shutdown stops the feed permanently; later start calls are no-ops.
// Needed because releasing the lease at exit fires the lose-leadership
// callback, which would otherwise restart the consumer.
func (fc *feedController) shutdown() {
	fc.mu.Lock()
	fc.closed = true
	fc.mu.Unlock()
	fc.stop()
}
