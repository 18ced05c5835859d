package main

import (
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/certifi/gocertifi"
	raven "github.com/getsentry/raven-go"

	"github.com/warchest/warchest/acquire"
	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/clientapi"
	"github.com/warchest/warchest/pool"
	"github.com/warchest/warchest/server"
	"github.com/warchest/warchest/validate"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		storage    = flag.String("storage", "", "location of the depot storage (overrides config)")
		port       = flag.String("port", "", "port to listen on (overrides config)")
		mysql      = flag.String("mysql", "", "dial string for the verification database (overrides config)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		log.Printf("warchest version %s", server.Version)
		return
	}

	config := readConfig(*configFile)
	if *storage != "" {
		config.Storage = *storage
	}
	if *port != "" {
		config.Port = *port
	}
	if *mysql != "" {
		config.Mysql = *mysql
	}

	if config.SentryDSN != "" {
		setupSentry(config.SentryDSN)
	}

	log.Printf("warchest version %s", server.Version)
	log.Printf("Using storage %q", config.Storage)

	objects := parselocation(config.Storage, "objects")
	index := parselocation(config.Storage, "index")
	records := parselocation(config.Storage, "manifests")
	if objects == nil || index == nil || records == nil {
		log.Fatalf("Could not open storage %q", config.Storage)
	}

	engine, err := cas.New(objects, index, lockDirFor(config.Storage), cas.Config{
		MaxSize:       config.MaxStorageSize,
		MaxConcurrent: config.MaxConcurrentIngest,
		Retry: cas.RetryPolicy{
			Attempts: config.RetryAttempts,
			Initial:  config.retryInitial(),
			Ceiling:  config.retryCeiling(),
		},
		GCInterval: config.gcInterval(),
	})
	if err != nil {
		log.Fatalf("Could not open content storage: %s", err)
	}

	manifests := pool.New(records, engine)
	if engine.IndexRebuilt() {
		log.Println("Reference index was rebuilt, restoring counts")
		if err := manifests.RestoreRefs(); err != nil {
			log.Println("Error restoring references:", err)
		}
	}

	validator := &validate.Validator{KnownAddons: config.KnownAddons}

	deliverers := new(acquire.Registry)
	deliverers.Register(&acquire.ArchiveDeliverer{})
	deliverers.Register(&acquire.FileDeliverer{})

	sources := new(acquire.Sources)
	for _, remote := range config.Sources {
		sources.Register(&clientapi.Connection{HostURL: remote})
	}

	s := &server.RESTServer{
		PortNumber: config.Port,
		PProfPort:  config.PProfPort,
		Pool:       manifests,
		Engine:     engine,
		Sources:    sources,
		Validator:  validator,
		Orchestrator: &acquire.Orchestrator{
			Pool:       manifests,
			Deliverers: deliverers,
			Validator:  validator,
			ScratchDir: config.ScratchDir,
		},
		MySQL:      config.Mysql,
		DataDir:    datadir(config),
		VerifyRate: config.VerifyRate,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		log.Println("Received signal, shutting down")
		s.Stop()
	}()

	err = s.Run()
	if err != nil {
		log.Println(err)
	}
	engine.Stop()
	log.Println("Exiting")
}

// datadir resolves where the daemon keeps its own files. An explicit
// setting wins, then a local storage directory. Anything else, such as
// memory or s3 storage, gets an empty data directory and an in-memory
// verification database.
func datadir(config Config) string {
	if config.DataDir != "" {
		return config.DataDir
	}
	if dir := lockDirFor(config.Storage); dir != "" {
		// storage is a local directory, keep our files next to it
		return config.Storage
	}
	return ""
}

// setupSentry points error reporting at the given DSN, using the
// bundled certificate roots so reports work on hosts with a sparse
// system trust store.
func setupSentry(dsn string) {
	rootCerts, err := gocertifi.CACerts()
	if err != nil {
		log.Println("Error loading certificate roots:", err)
	} else {
		raven.DefaultClient.Transport = &raven.HTTPTransport{
			Client: &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{RootCAs: rootCerts},
				},
			},
		}
	}
	if err := raven.SetDSN(dsn); err != nil {
		log.Println("Error configuring error reporting:", err)
	}
	raven.SetRelease(server.Version)
}
