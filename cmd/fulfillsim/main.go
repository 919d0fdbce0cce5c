// fulfillsim exercises the fulfillment library end to end with scripted
// vendors. It defaults to in-memory stores for demos; pointing the config
// at DynamoDB tables runs the same flows against real infrastructure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/breaker"
	"github.com/goliatone/go-fulfillment/failover"
	"github.com/goliatone/go-fulfillment/idempotency"
	"github.com/goliatone/go-fulfillment/joblock"
	"github.com/goliatone/go-fulfillment/lifecycle"
	"github.com/goliatone/go-fulfillment/metrics"
	"github.com/goliatone/go-fulfillment/notify"
	"github.com/goliatone/go-fulfillment/notify/sqsnotify"
	"github.com/goliatone/go-fulfillment/orchestrate"
	"github.com/goliatone/go-fulfillment/reconcile"
	"github.com/goliatone/go-fulfillment/storage/dynamo"
	"github.com/goliatone/go-fulfillment/storage/memory"
)

var cli struct {
	Config  string `help:"Path to a YAML config file." type:"path"`
	Verbose bool   `short:"v" help:"Enable trace logging."`

	Fulfill   fulfillCmd   `cmd:"" help:"Run one fulfillment against scripted vendors."`
	Reconcile reconcileCmd `cmd:"" help:"Run one reconciliation pass."`
}

type fulfillCmd struct {
	OrderID   string `arg:"" help:"Order identifier."`
	SKU       string `default:"esim-eu-5gb" help:"Product SKU."`
	Email     string `default:"buyer@example.com" help:"Customer email."`
	FailFirst bool   `help:"Script the highest-priority vendor to fail."`
	Repeat    bool   `help:"Send the same event twice to show idempotent replay."`
}

type reconcileCmd struct {
	StaleAfter time.Duration `default:"15m" help:"Age after which an in-flight order counts as stuck."`
}

// scriptedVendor is a deterministic stand-in for a real vendor client.
type scriptedVendor struct {
	slug string
	fail bool
}

func (v *scriptedVendor) Purchase(_ context.Context, req fulfillment.PurchaseRequest) (*fulfillment.Artifact, error) {
	if v.fail {
		return nil, fulfillment.NewVendorError(fulfillment.ClassProvider, "scripted upstream failure", nil)
	}
	return &fulfillment.Artifact{
		QRPayload:      fmt.Sprintf("LPA:1$rsp.%s.example$%s", v.slug, req.OrderID),
		ICCID:          "8944123456789012345",
		ActivationCode: "ACT-" + req.OrderID,
		VendorSlug:     v.slug,
		IssuedAt:       time.Now().UTC(),
	}, nil
}

func (v *scriptedVendor) HealthCheck(context.Context) bool { return !v.fail }

// orderBackend is what the commands need from whichever order store
// the config selected.
type orderBackend interface {
	fulfillment.OrderStore
	fulfillment.StuckOrderScanner
}

type env struct {
	logger    fulfillment.Logger
	config    fulfillment.Config
	orders    orderBackend
	setClock  func(fulfillment.Clock)
	guard     *idempotency.Guard
	locks     *joblock.Manager
	memAlerts *notify.Memory // nil when alerts go to SQS
	orch      *orchestrate.Orchestrator
	machine   *lifecycle.Machine
}

func buildEnv() (*env, error) {
	level := "info"
	if cli.Verbose {
		level = "trace"
	}
	logger := fulfillment.NewGlogAdapter(glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLevel(level),
	))

	cfg := fulfillment.Config{}
	if cli.Config != "" {
		loaded, err := fulfillment.LoadConfig(cli.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		orders    orderBackend
		setClock  func(fulfillment.Clock)
		idemStore idempotency.Store
		lockStore joblock.Store
		brkStore  breaker.Store
		alerts    fulfillment.Notifier
		recorder  orchestrate.Recorder
		memAlerts *notify.Memory
	)
	if cfg.AWS.Enabled() {
		awsCfg, err := dynamo.LoadAWSConfig(context.Background())
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg)
		dynOrders := dynamo.NewOrderStore(client, cfg.AWS.OrderTable)
		orders = dynOrders
		setClock = func(c fulfillment.Clock) { dynOrders.WithClock(c) }
		idemStore = dynamo.NewIdempotencyStore(client, cfg.AWS.IdempotencyTable)
		lockStore = dynamo.NewLockStore(client, cfg.AWS.LockTable)
		brkStore = dynamo.NewBreakerStore(client, cfg.AWS.BreakerTable)
		if cfg.AWS.AlertQueueURL != "" {
			alerts = sqsnotify.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.AlertQueueURL)
		}
		if cfg.AWS.MetricsNamespace != "" {
			recorder = metrics.NewRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricsNamespace, logger)
		}
	} else {
		memOrders := memory.NewOrderStore()
		orders = memOrders
		setClock = func(c fulfillment.Clock) { memOrders.WithClock(c) }
		idemStore = memory.NewIdempotencyStore()
		lockStore = memory.NewLockStore()
		brkStore = memory.NewBreakerStore()
	}
	if alerts == nil {
		memAlerts = notify.NewMemory()
		alerts = memAlerts
	}

	machine := lifecycle.NewMachine(orders,
		lifecycle.WithNotifier(alerts),
		lifecycle.WithLogger(logger),
	)

	registry := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, breaker.WithStore(brkStore), breaker.WithLogger(logger))

	engine := failover.NewEngine(registry,
		failover.WithBackoff(failover.NewBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)),
		failover.WithLogger(logger),
	)

	guard := idempotency.NewGuard(idemStore,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger),
	)

	locks := joblock.NewManager(lockStore,
		joblock.WithTTL(cfg.JobLock.TTL),
		joblock.WithLogger(logger),
	)

	orchOpts := []orchestrate.Option{
		orchestrate.WithNotifier(alerts),
		orchestrate.WithGuard(guard),
		orchestrate.WithDeadline(cfg.Orchestrator.Deadline),
		orchestrate.WithLogger(logger),
	}
	if recorder != nil {
		orchOpts = append(orchOpts, orchestrate.WithRecorder(recorder))
	}
	orch := orchestrate.New(machine, engine, orchOpts...)

	return &env{
		logger:    logger,
		config:    cfg,
		orders:    orders,
		setClock:  setClock,
		guard:     guard,
		locks:     locks,
		memAlerts: memAlerts,
		orch:      orch,
		machine:   machine,
	}, nil
}

func (c *fulfillCmd) Run() error {
	e, err := buildEnv()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if err := e.orders.PersistState(ctx, c.OrderID, fulfillment.StatePaymentReceived, nil); err != nil {
		return err
	}
	order := fulfillment.Order{
		ID:            c.OrderID,
		State:         fulfillment.StatePaymentReceived,
		SKU:           c.SKU,
		CustomerEmail: c.Email,
		Amount:        1999,
		Currency:      "USD",
	}
	vendors := []fulfillment.VendorDescriptor{
		{Slug: "simvendor-a", Priority: 10, Active: true, MaxRetries: 1, Client: &scriptedVendor{slug: "simvendor-a", fail: c.FailFirst}},
		{Slug: "simvendor-b", Priority: 5, Active: true, MaxRetries: 1, Client: &scriptedVendor{slug: "simvendor-b"}},
	}

	runs := 1
	if c.Repeat {
		runs = 2
	}
	for i := 0; i < runs; i++ {
		res, err := e.orch.HandleEvent(ctx, "evt-"+c.OrderID, "fulfillsim", order, vendors)
		if err != nil {
			return err
		}
		printResult(res)
	}

	if e.memAlerts != nil {
		for _, n := range e.memAlerts.Sent() {
			e.logger.Info("notification [%s] %s", n.Severity, n.Title)
		}
	}
	return nil
}

func (c *reconcileCmd) Run() error {
	e, err := buildEnv()
	if err != nil {
		return err
	}

	ctx := context.Background()

	// stage a stuck order, back-dated past the cutoff
	past := time.Now().Add(-c.StaleAfter - time.Minute)
	e.setClock(fulfillment.ClockFunc(func() time.Time { return past }))
	if err := e.orders.PersistState(ctx, "stuck-demo", fulfillment.StateFulfillmentStarted, nil); err != nil {
		return err
	}
	e.setClock(fulfillment.SystemClock())

	rec := reconcile.New(e.guard, e.orders, e.machine,
		reconcile.WithLocks(e.locks),
		reconcile.WithStaleAfter(c.StaleAfter),
		reconcile.WithLogger(e.logger),
	)

	report, err := rec.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("swept=%d stuck=%d escalated=%d skipped=%v\n",
		report.SweptRecords, report.StuckOrders, report.Escalated, report.Skipped)
	return nil
}

func printResult(res *orchestrate.Result) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", res)
		return
	}
	fmt.Println(string(out))
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("fulfillsim"),
		kong.Description("Exercise the fulfillment orchestration library against scripted vendors."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
