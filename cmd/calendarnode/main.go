package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/calendrion/core/internal/anchor"
	"github.com/calendrion/core/internal/audit"
	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/bus"
	"github.com/calendrion/core/internal/calconf"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calendarwriter"
	"github.com/calendrion/core/internal/leader"
	"github.com/calendrion/core/internal/lock"
	"github.com/calendrion/core/internal/registry"
	"github.com/calendrion/core/internal/reward"
	"github.com/calendrion/core/internal/signer"
)

func main() {
	deadlock.Opts.DisableLockOrderDetection = true
	deadlock.Opts.DeadlockTimeout = 30 * time.Second

	rootDir := os.Getenv("CALENDRION_ROOT")
	conf, err := calconf.Load(rootDir)
	if err != nil {
		calcore.Log(fmt.Sprintf("loading config: %s", err), 0)
	}

	sign, seedWords, err := loadOrGenerateSigner(conf.GetString("rootDir") + "signer.key")
	if err != nil {
		calcore.Log(fmt.Sprintf("initializing signer: %s", err), 0)
	}
	if seedWords != "" {
		calcore.Log("generated a new signer identity; write down these seed words: "+seedWords, 4)
	}

	store, err := blockstore.Open(conf.GetString("rootDir") + conf.GetString("flatFileDir"))
	if err != nil {
		calcore.Log(fmt.Sprintf("opening block store: %s", err), 0)
	}
	stackID := conf.GetString("stackId")
	if err := blockstore.Ignite(store, sign, stackID, time.Now().Unix()); err != nil {
		calcore.Log(fmt.Sprintf("genesis ignition: %s", err), 0)
	}

	locks := lock.New()
	calendarElector := leader.New(locks, leader.RoleCalendar, sign.Fingerprint())
	auditElector := leader.New(locks, leader.RoleAudit, sign.Fingerprint())

	messageBus := bus.New(conf.GetStringSlice("relaysMust"))

	writer := calendarwriter.New(store, locks, calendarElector, sign, messageBus, stackID, conf.GetString("registryAddr"))
	anchorEngine := anchor.New(store, locks, calendarElector, sign, messageBus, stackID)
	auditEngine := audit.New(store, auditElector, mustHMACKey(conf.GetString("rootDir")+"hmac.key"), conf.GetInt64("minAuditCredits"), conf.GetInt64("minBalance"), "0.0.0")
	xfer := reward.NewHTTPTransferer(conf.GetString("tokenTransferEndpoint"))
	rewardEngine := reward.New(store, sign, xfer, stackID)

	reg := registry.New(conf.GetInt("registryCap"), conf.GetString("minVersionNew"), conf.GetString("minVersionExisting"), conf.GetInt64("minBalance"), nil)
	regServer := registry.NewServer(reg, conf.GetString("registryAddr"), func(tntAddr, publicURI, tag string) bool {
		return audit.VerifyHMACWindow(mustHMACKey(conf.GetString("rootDir")+"hmac.key"), tntAddr, publicURI, time.Now(), tag)
	})

	// the terminator channel blocks until shutdown; anything requiring a clean
	// shutdown waits on it and cleans up when it stops blocking.
	terminator := make(chan struct{})
	wg := &sync.WaitGroup{}
	interrupt := make(chan struct{})

	go console(interrupt, store, sign, reg)

	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := messageBus.Connect(ctx); err != nil {
			calcore.Log(fmt.Sprintf("bus connect: %s", err), 2)
			return
		}
		for _, kind := range []int{bus.KindAggregator, bus.KindBTCMonitor, bus.KindRewardOrder} {
			if err := messageBus.Subscribe(ctx, kind); err != nil {
				calcore.Log(fmt.Sprintf("bus subscribe kind %d: %s", kind, err), 2)
			}
		}
	}()

	wg.Add(1)
	go func() { defer wg.Done(); _ = calendarElector.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); _ = auditElector.Run(ctx) }()

	wg.Add(1)
	go func() { defer wg.Done(); writer.Run(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); anchorEngine.RunAnchor(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); anchorEngine.RunConfirm(ctx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		auditEngine.RunChallenges(conf.GetDuration("auditChallengePeriod"), terminator)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		auditEngine.RunAuditRounds(conf.GetDuration("auditRoundPeriod"), terminator, func() []audit.NodeInfo {
			return nodeInfosFrom(reg)
		}, func(targets []audit.NodeInfo, activeCount int) {
			dispatchAuditTasks(messageBus, targets, activeCount)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := regServer.Start(); err != nil {
			calcore.Log(fmt.Sprintf("registry http server: %s", err), 2)
		}
	}()

	wg.Add(1)
	go func() { defer wg.Done(); pumpQueues(ctx, messageBus, writer, anchorEngine, rewardEngine) }()

	calcore.Log("calendar node ready, stack "+stackID, 4)
	<-interrupt
	cancel()
	close(terminator)
	_ = regServer.Close()
	wg.Wait()
	if err := store.Close(); err != nil {
		calcore.Log(fmt.Sprintf("closing block store: %s", err), 2)
	}
	os.Exit(0)
}

func loadOrGenerateSigner(path string) (*signer.Signer, string, error) {
	if b, err := os.ReadFile(path); err == nil {
		s, err := signer.New(string(b))
		return s, "", err
	}
	s, seedWords, err := signer.Generate()
	if err != nil {
		return nil, "", err
	}
	return s, seedWords, nil
}

func mustHMACKey(path string) []byte {
	if b, err := os.ReadFile(path); err == nil {
		return b
	}
	return []byte("insecure-default-hmac-key-change-me")
}

func nodeInfosFrom(reg *registry.Registry) []audit.NodeInfo {
	nodes := reg.All()
	out := make([]audit.NodeInfo, len(nodes))
	for i, n := range nodes {
		out[i] = audit.NodeInfo{
			TntAddr:         n.TntAddr,
			PublicURI:       n.PublicURI,
			IP:              n.IP,
			AuditScore:      n.AuditScore,
			ConsecutivePass: n.ConsecutivePasses,
			Version:         n.Version,
		}
	}
	return out
}
