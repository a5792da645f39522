package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/syncbox/pullsync/blip"
	"github.com/syncbox/pullsync/pull"
	"github.com/syncbox/pullsync/store"
)

const PullCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Pull replication control.

Usage:
    pullctl pull --url=<url> --db=<db>
        [--since=<since>]
        [--continuous]
        [--jwt=<jwt>]
        [--config=<config>]
    pullctl checkpoint --url=<url> --db=<db>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Remote replication endpoint (ws:// or wss://).
    --db=<db>            Path to the local database file.
    --since=<since>      Override the starting sequence.
    --continuous         Keep pulling after catching up.
    --jwt=<jwt>          Bearer token for the remote.
    --config=<config>    YAML file with channels, filter, and docIDs.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PullCtlVersion)
	if err != nil {
		panic(err)
	}

	if pull_, _ := opts.Bool("pull"); pull_ {
		runPull(opts)
	} else if checkpoint_, _ := opts.Bool("checkpoint"); checkpoint_ {
		showCheckpoint(opts)
	}
}

func runPull(opts docopt.Opts) {
	url, _ := opts.String("--url")
	dbPath, _ := opts.String("--db")
	since, _ := opts.String("--since")
	continuous, _ := opts.Bool("--continuous")
	jwt, _ := opts.String("--jwt")
	configPath, _ := opts.String("--config")

	config := &Config{}
	if configPath != "" {
		var err error
		config, err = LoadConfig(configPath)
		if err != nil {
			Err.Fatalf("Could not load config (%s).", err)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore, err := store.Open(dbPath)
	if err != nil {
		Err.Fatalf("Could not open database (%s).", err)
	}
	defer localStore.Close()
	if err := localStore.Init(cancelCtx); err != nil {
		Err.Fatalf("Could not init database (%s).", err)
	}

	replicatorId, err := localStore.EnsureReplicator(cancelCtx, url)
	if err != nil {
		Err.Fatalf("Could not resolve replicator id (%s).", err)
	}

	if since == "" {
		checkpoint, err := localStore.LoadCheckpoint(cancelCtx, replicatorId.String())
		if err != nil {
			Err.Fatalf("Could not load checkpoint (%s).", err)
		}
		since = checkpoint
	}

	var auth *blip.ClientAuth
	if jwt != "" {
		auth = &blip.ClientAuth{ByJwt: jwt}
	}
	conn, err := blip.DialWebSocket(cancelCtx, url, auth, blip.DefaultWebSocketSettings())
	if err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}
	defer conn.Close()

	options := &pull.PullOptions{
		Continuous:          continuous,
		SkipDeleted:         config.SkipDeleted,
		NoIncomingConflicts: config.NoIncomingConflicts,
		Channels:            config.Channels,
		Filter:              config.Filter,
		FilterParams:        config.FilterParams,
		DocIDs:              config.DocIDs,
	}
	puller := pull.NewPullerWithDefaults(cancelCtx, conn, localStore.PullGateway(), options)
	defer puller.Close()

	unsubCheckpoint := puller.AddCheckpointCallback(func(seq pull.Seq) {
		if err := localStore.SaveCheckpoint(cancelCtx, replicatorId.String(), string(seq)); err != nil {
			Err.Printf("Could not save checkpoint (%s).", err)
		}
	})
	defer unsubCheckpoint()

	unsubDocs := puller.AddDocumentEndedCallback(func(doc *pull.DocumentEnded) {
		if doc.ErrorMessage != "" {
			Out.Printf("pull '%s' %s error: %s", doc.DocID, doc.RevID, doc.ErrorMessage)
		} else {
			Out.Printf("pull '%s' %s (seq %s)", doc.DocID, doc.RevID, doc.RemoteSeq)
		}
	})
	defer unsubDocs()

	puller.Start(pull.Seq(since))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-interrupt:
			Out.Printf("interrupted")
			return
		case <-ticker.C:
			status := puller.Status()
			if status.Level == pull.Stopped {
				Out.Printf("done: %d documents, %d/%d bytes",
					status.DocumentCount,
					status.Progress.CompletedByteCount,
					status.Progress.TotalByteCount)
				return
			}
			if status.Level == pull.Idle && !continuous {
				Out.Printf("caught up: %d documents", status.DocumentCount)
				return
			}
		}
	}
}

func showCheckpoint(opts docopt.Opts) {
	url, _ := opts.String("--url")
	dbPath, _ := opts.String("--db")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore, err := store.Open(dbPath)
	if err != nil {
		Err.Fatalf("Could not open database (%s).", err)
	}
	defer localStore.Close()
	if err := localStore.Init(cancelCtx); err != nil {
		Err.Fatalf("Could not init database (%s).", err)
	}

	replicatorId, err := localStore.EnsureReplicator(cancelCtx, url)
	if err != nil {
		Err.Fatalf("Could not resolve replicator id (%s).", err)
	}
	checkpoint, err := localStore.LoadCheckpoint(cancelCtx, replicatorId.String())
	if err != nil {
		Err.Fatalf("Could not load checkpoint (%s).", err)
	}
	fmt.Printf("%s\n", checkpoint)
}
