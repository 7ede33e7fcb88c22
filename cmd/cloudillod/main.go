// Command cloudillod runs a Cloudillo instance: the HTTP/WebSocket API
// surface (§6) backed by the tenant, action, federation, file, crdt, rtdb
// and idp components, wired together and served until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cloudillo/cloudillo/action/dsl"
	"github.com/cloudillo/cloudillo/action/lifecycle"
	actionstore "github.com/cloudillo/cloudillo/action/store"
	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/crdt"
	"github.com/cloudillo/cloudillo/federation"
	"github.com/cloudillo/cloudillo/file"
	"github.com/cloudillo/cloudillo/httpapi"
	"github.com/cloudillo/cloudillo/idp"
	"github.com/cloudillo/cloudillo/log"
	"github.com/cloudillo/cloudillo/rtdb"
	"github.com/cloudillo/cloudillo/scheduler"
	"github.com/cloudillo/cloudillo/tenant"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cloudillod",
	Short: "Cloudillo federated collaboration server",
	Run:   runServer,
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./cloudillo.yaml)")
	rootCmd.PersistentFlags().String("port", "8080", "HTTP listen port")
	rootCmd.PersistentFlags().String("postgres-url", "", "Postgres DSN")
	rootCmd.PersistentFlags().String("bolt-path", "cloudillo.db", "bbolt database path (crdt/rtdb storage)")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for cross-process broadcast (empty: single-process)")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible blob endpoint (empty: AWS default)")
	rootCmd.PersistentFlags().String("s3-bucket", "cloudillo", "S3 bucket for file blobs")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("signing-key", "", "HMAC key for browser session tokens")
	rootCmd.PersistentFlags().String("idp-domain", "", "this instance's own id_tag domain, for idp/profile scoping")
	rootCmd.PersistentFlags().Int64("max-file-size-mb", 100, "file.max_file_size_mb")
	rootCmd.PersistentFlags().Bool("debug", false, "verbose echo logging")

	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("postgres.url", rootCmd.PersistentFlags().Lookup("postgres-url"))
	viper.BindPFlag("bolt.path", rootCmd.PersistentFlags().Lookup("bolt-path"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("s3.endpoint", rootCmd.PersistentFlags().Lookup("s3-endpoint"))
	viper.BindPFlag("s3.bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3.region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("signing_key", rootCmd.PersistentFlags().Lookup("signing-key"))
	viper.BindPFlag("idp_domain", rootCmd.PersistentFlags().Lookup("idp-domain"))
	viper.BindPFlag("file.max_file_size_mb", rootCmd.PersistentFlags().Lookup("max-file-size-mb"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("cloudillo")
	}
	viper.SetEnvPrefix("cloudillo")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}
}

func runServer(cmd *cobra.Command, args []string) {
	logger := log.For("cloudillod")
	if viper.GetBool("debug") {
		log.SetLevel("debug")
	}

	db, err := gorm.Open(postgres.Open(viper.GetString("postgres.url")), &gorm.Config{})
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}

	c := clock.System{}

	tenants, err := tenant.NewPostgresStore(db)
	if err != nil {
		logger.WithError(err).Fatal("open tenant store")
	}
	actions, err := actionstore.NewPostgresStore(db, c)
	if err != nil {
		logger.WithError(err).Fatal("open action store")
	}
	idpStore, err := idp.NewPostgresStore(db, c)
	if err != nil {
		logger.WithError(err).Fatal("open idp store")
	}
	fileStore, err := file.NewPostgresStore(db, c)
	if err != nil {
		logger.WithError(err).Fatal("open file store")
	}
	schedStore, err := scheduler.NewPostgresStore(db)
	if err != nil {
		logger.WithError(err).Fatal("open scheduler store")
	}

	boltDB, err := bolt.Open(viper.GetString("bolt.path"), 0600, nil)
	if err != nil {
		logger.WithError(err).Fatal("open bbolt database")
	}
	defer boltDB.Close()

	var rdb *redis.Client
	if url := viper.GetString("redis.url"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			logger.WithError(err).Fatal("parse redis url")
		}
		rdb = redis.NewClient(opts)
	}

	blob, err := file.NewS3Blob(context.Background(), file.S3Config{
		Endpoint:  viper.GetString("s3.endpoint"),
		Region:    viper.GetString("s3.region"),
		Bucket:    viper.GetString("s3.bucket"),
		PathStyle: viper.GetString("s3.endpoint") != "",
	})
	if err != nil {
		logger.WithError(err).Fatal("configure file blob store")
	}

	registry := dsl.NewRegistry()
	dsl.RegisterBuiltins(registry)

	schedRegistry := scheduler.NewRegistry()
	sched := scheduler.New(schedStore, schedRegistry, c)

	lc := lifecycle.New(actions, tenants, registry, sched, c)
	graph := &federation.Graph{Store: actions}
	lc.Graph = graph

	fed := federation.New(actions, registry, lc, sched, graph)
	fileCore := file.New(fileStore, blob, sched, c)
	idpSvc := idp.New(idpStore, tenants, sched, c)
	lc.Delivery = fed
	lc.Files = fileCore

	hub := httpapi.NewClientHub()
	lc.Hub = hub

	fed.RegisterRunners(schedRegistry)
	fileCore.RegisterRunners(schedRegistry)
	idpSvc.RegisterRunners(schedRegistry)
	registry.Freeze()
	schedRegistry.Freeze()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := sched.Start(ctx)
	if err != nil {
		logger.WithError(err).Fatal("start scheduler")
	}
	defer stop()

	crdtChannel := crdt.New(boltDB, rdb, c)
	rtdbChannel := rtdb.New(boltDB, rdb, c)
	awareness := crdt.NewAwarenessTracker()

	signingKey := []byte(viper.GetString("signing_key"))
	if len(signingKey) == 0 {
		logger.Fatal("signing_key is required")
	}

	deps := &httpapi.Deps{
		Tenants:   tenants,
		Actions:   actions,
		Lifecycle: lc,
		Fed:       fed,
		Files:     fileCore,
		IDP:       idpSvc,
		CRDT:      crdtChannel,
		RTDB:      rtdbChannel,
		Awareness: awareness,
		Hub:       hub,
		Clock:     c,

		SigningKey: signingKey,
		IDPDomain:  viper.GetString("idp_domain"),
	}

	e := httpapi.NewServer(viper.GetBool("debug"))
	httpapi.SetupRoutes(e, deps, viper.GetInt64("file.max_file_size_mb"))

	port := viper.GetString("port")
	srv := &http.Server{Addr: ":" + port}
	go func() {
		logger.WithField("port", port).Info("starting server")
		if err := e.StartServer(srv); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
