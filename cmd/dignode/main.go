// Command dignode runs a single content-distribution node: it watches a
// local directory of `*.dig` blobs, announces them to the gossip substrate,
// and serves or fetches chunks from peers over whichever transport the
// connection selector picks (spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/log"
	"github.com/gorilla/websocket"

	"github.com/dignet/dignode"
	"github.com/dignet/dignode/internal/buildinfo"
)

type startCmd struct {
	dignode.Config
}

type statusCmd struct {
	Addr string `arg:"--addr,required" help:"loopback status address the running node was configured with, e.g. 127.0.0.1:4121"`
}

type args struct {
	Start  *startCmd  `arg:"subcommand:start" help:"run a node until interrupted"`
	Status *statusCmd `arg:"subcommand:status" help:"query a running node's status over its loopback websocket"`
}

func main() {
	var a args
	p := arg.MustParse(&a)

	var err error
	switch {
	case a.Start != nil:
		err = runStart(a.Start)
	case a.Status != nil:
		err = runStatus(a.Status)
	default:
		p.Fail("specify a subcommand: start or status")
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "dignode:", err)
		os.Exit(1)
	}
}

// logPublisher is dignode's default gossip-substrate stand-in: it logs
// every announcement instead of publishing it anywhere. Real deployments
// wire an announce.Publisher backed by their actual mesh client; dignode
// itself never imports a concrete one (spec.md §1 treats the substrate as
// an external collaborator).
type logPublisher struct{ log log.Logger }

func (p logPublisher) Publish(ctx context.Context, namespace string, payload []byte) error {
	p.log.Levelf(log.Debug, "dignode: would publish %d bytes to %s (no substrate adapter configured)", len(payload), namespace)
	return nil
}

func runStart(cmd *startCmd) error {
	logger := log.Default
	n, err := dignode.New(cmd.Config, logPublisher{log: logger}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return err
	}
	logger.Levelf(log.Info, "%s: running as %s, store=%s", buildinfo.Version, n.NodeID(), cmd.StoreDir)

	<-ctx.Done()
	logger.Levelf(log.Info, "dignode: shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return n.Stop(stopCtx)
}

func runStatus(cmd *statusCmd) error {
	url := fmt.Sprintf("ws://%s/status", cmd.Addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer conn.Close()

	var snap dignode.StatusSnapshot
	if err := conn.ReadJSON(&snap); err != nil {
		return fmt.Errorf("reading status: %w", err)
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
