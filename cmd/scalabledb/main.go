// Command scalabledb runs the multi-tenant database service: the HTTP
// API, the demotion chore, the replication fan-out worker, and the
// migration worker, all in one process.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/api"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore/boltdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/migration"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/query"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/replication"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/resultcache"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tenantdb"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/tiering"
	"github.com/RiyamPatel2001/scalable-multitenant-databases/write"
)

// Config aggregates every component's settings.
type Config struct {
	MetadataPath  string `help:"path to the metadata database file" default:"$CONFDIR/metadata.db"`
	StandbyRegion string `help:"standby region identifier" default:"us-west-2"`

	API         api.Config
	Admin       api.AdminConfig
	Store       objectstore.Config
	Standby     objectstore.Config
	Cache       resultcache.Config
	Bus         msgbus.Config
	Tiering     tiering.Config
	Replication replication.Config
	Migration   migration.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "scalabledb",
		Short: "Multi-tenant embedded-SQL database service",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the service",
		RunE:  cmdRun,
	}
	confDir string

	runCfg   Config
	setupCfg Config
)

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	stores, err := boltdb.NewShared(runCfg.MetadataPath,
		"tenants", "tenant-names", "replicas", "schemas", "schema-names")
	if err != nil {
		return errs.New("error opening metadata store: %+v", err)
	}
	defer func() {
		for _, store := range stores {
			err = errs.Combine(err, store.Close())
		}
	}()

	tenants := tenantdb.NewTenants(log.Named("tenants"), stores[0], stores[1])
	replicas := tenantdb.NewReplicas(log.Named("replicas"), stores[2])
	schemas := tenantdb.NewSchemas(log.Named("schemas"), stores[3], stores[4])

	primaryStore, err := objectstore.Dial(runCfg.Store)
	if err != nil {
		return errs.New("error connecting to primary object store: %+v", err)
	}
	standbyStore, err := objectstore.Dial(runCfg.Standby)
	if err != nil {
		return errs.New("error connecting to standby object store: %+v", err)
	}

	cache, err := resultcache.New(log.Named("resultcache"), runCfg.Cache)
	if err != nil {
		return errs.New("error connecting to result cache: %+v", err)
	}
	defer func() { err = errs.Combine(err, cache.Close()) }()

	bus, err := msgbus.Dial(ctx, runCfg.Bus)
	if err != nil {
		return errs.New("error connecting to message bus: %+v", err)
	}
	defer func() { err = errs.Combine(err, bus.Close()) }()

	replicationTopic := bus.Topic(runCfg.Bus.ReplicationTopic)
	migrationQueue := bus.Queue(runCfg.Bus.MigrationQueue, runCfg.Bus.DedupWindow)

	manager := tiering.NewManager(log.Named("tiering"), tenants, primaryStore, runCfg.Tiering)
	chore := tiering.NewChore(log.Named("tiering:chore"), manager, tenants, replicas, runCfg.Tiering)

	executor := query.NewExecutor(log.Named("query"), tenants, replicas, primaryStore, cache, manager, runCfg.API.Region)
	standbyReader := query.NewStandby(log.Named("standby"), tenants, replicas, standbyStore, runCfg.StandbyRegion)
	pipeline := write.NewPipeline(log.Named("write"), tenants, replicas, primaryStore, cache, manager, replicationTopic, runCfg.API.Region)
	coordinator := migration.NewCoordinator(log.Named("migration"), tenants, replicas, schemas, primaryStore, standbyStore, migrationQueue, runCfg.Migration)

	replicationWorker := replication.NewWorker(log.Named("replication"), replicationTopic, primaryStore, standbyStore, runCfg.Replication)
	migrationWorker := migration.NewWorker(log.Named("migration:worker"), migrationQueue, primaryStore, standbyStore, tenants, replicas, manager, runCfg.Migration)

	admin := api.NewAdmin(log.Named("admin"), tenants, replicas, schemas, primaryStore, standbyStore, manager, runCfg.Admin)
	server := api.NewServer(log.Named("api"), executor, standbyReader, pipeline, coordinator, admin, runCfg.API)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return chore.Run(ctx) })
	group.Go(func() error { return replicationWorker.Run(ctx) })
	group.Go(func() error { return migrationWorker.Run(ctx) })
	group.Go(func() error { return server.Run() })

	return group.Wait()
}

func init() {
	defaultConfDir := fpath.ApplicationDir("scalabledb")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for scalabledb configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("scalabledb")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
