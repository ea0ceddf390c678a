// Command syncd is the reference sync daemon from SPEC_FULL.md §9: it
// wires configuration into an HLC service, a storage adapter and
// engine, a connection manager backed by the polling driver, an HTTP
// transport, and a sync loop, then blocks until signaled.
//
// Grounded on storage/init.go's backend-selection-by-flag pattern and
// oasis-node/cmd/genesis/genesis.go's cobra command registration shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rowsync/engine/common/errs"
	"github.com/rowsync/engine/common/logging"
	"github.com/rowsync/engine/connection"
	"github.com/rowsync/engine/connection/poller"
	"github.com/rowsync/engine/hlc"
	hlcapi "github.com/rowsync/engine/hlc/api"
	storageapi "github.com/rowsync/engine/storage/api"
	"github.com/rowsync/engine/storage/badger"
	"github.com/rowsync/engine/storage/engine"
	"github.com/rowsync/engine/storage/memory"
	"github.com/rowsync/engine/sync"
	transportapi "github.com/rowsync/engine/transport/api"
	transporthttp "github.com/rowsync/engine/transport/http"
)

const (
	cfgDeviceID          = "device-id"
	cfgNamespace         = "namespace"
	cfgStorageBackend    = "storage.backend"
	cfgStoragePath       = "storage.path"
	cfgServerURL         = "server.url"
	cfgServerAuthMode    = "server.auth-mode"
	cfgServerToken       = "server.token"
	cfgSyncIntervalMS    = "sync.interval-ms"
	cfgSyncPushBatchSize = "sync.push-batch-size"
	cfgSyncPullLimit     = "sync.pull-limit"
	cfgSyncCursorKey     = "sync.cursor-key"

	hlcStoreKey = "hlc.last"
)

var logger = logging.GetLogger("cmd/syncd")

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "offline-first row sync daemon",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the sync daemon until signaled",
	RunE:  doRun,
}

var pushOnceCmd = &cobra.Command{
	Use:   "push-once",
	Short: "push pending local writes once and exit",
	RunE:  doPushOnce,
}

var pullOnceCmd = &cobra.Command{
	Use:   "pull-once",
	Short: "pull server changes once and exit",
	RunE:  doPullOnce,
}

func registerFlags(cmd *cobra.Command) {
	cmd.Flags().String(cfgDeviceID, "", "unique device identifier for this local node")
	cmd.Flags().String(cfgNamespace, "default", "sync namespace")
	cmd.Flags().String(cfgStorageBackend, badger.BackendName, "storage backend (memory|badger)")
	cmd.Flags().String(cfgStoragePath, "", "on-disk directory for the badger backend (empty uses in-memory badger)")
	cmd.Flags().String(cfgServerURL, "", "sync server base URL")
	cmd.Flags().String(cfgServerAuthMode, "cookie", "server auth mode (cookie|bearer)")
	cmd.Flags().String(cfgServerToken, "", "bearer token, used when server.auth-mode=bearer")
	cmd.Flags().Int(cfgSyncIntervalMS, 5000, "milliseconds between sync cycles")
	cmd.Flags().Int(cfgSyncPushBatchSize, 100, "maximum pending ops pushed per request")
	cmd.Flags().Int(cfgSyncPullLimit, 200, "maximum rows pulled per request")
	cmd.Flags().String(cfgSyncCursorKey, sync.DefaultCursorKey, "KV key the pull cursor is persisted under")
	_ = viper.BindPFlags(cmd.Flags())
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, pushOnceCmd, pullOnceCmd} {
		registerFlags(cmd)
	}
	rootCmd.AddCommand(runCmd, pushOnceCmd, pullOnceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("syncd exited with error", "err", err)
		os.Exit(1)
	}
}

// kvHLCStore adapts a storage.Adapter's generic KV space into the tiny
// hlc.api.Store contract, so the HLC service and the row engine share
// one physical backend without a second storage subsystem.
type kvHLCStore struct {
	adapter storageapi.Adapter
}

func (s kvHLCStore) LoadLastHLC(ctx context.Context) (*hlcapi.HLC, error) {
	raw, err := s.adapter.GetKV(ctx, hlcStoreKey)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var h hlcapi.HLC
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, errs.Wrap(errs.KindSerializationError, "failed to decode persisted hlc", err)
	}
	return &h, nil
}

func (s kvHLCStore) SaveLastHLC(ctx context.Context, h hlcapi.HLC) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return errs.Wrap(errs.KindSerializationError, "failed to encode hlc", err)
	}
	return s.adapter.PutKV(ctx, hlcStoreKey, raw)
}

var _ hlcapi.Store = kvHLCStore{}

// components bundles everything syncd's subcommands assemble from
// configuration.
type components struct {
	adapter   storageapi.Adapter
	hlcSvc    *hlc.Service
	engine    *engine.Engine
	connMgr   *connection.Manager
	poller    *poller.Driver
	transport *transporthttp.Client
}

func buildComponents() (*components, error) {
	deviceID := viper.GetString(cfgDeviceID)
	if deviceID == "" {
		return nil, errs.New(errs.KindInvalidArgument, "--device-id is required")
	}
	namespace := viper.GetString(cfgNamespace)
	serverURL := viper.GetString(cfgServerURL)
	if serverURL == "" {
		return nil, errs.New(errs.KindInvalidArgument, "--server.url is required")
	}

	var adapter storageapi.Adapter
	var err error
	switch backend := viper.GetString(cfgStorageBackend); backend {
	case memory.BackendName:
		adapter = memory.New(namespace)
	case badger.BackendName:
		adapter, err = badger.New(badger.Config{Namespace: namespace, Dir: viper.GetString(cfgStoragePath)})
	default:
		err = errs.New(errs.KindInvalidArgument, fmt.Sprintf("unsupported storage backend: %q", backend))
	}
	if err != nil {
		return nil, err
	}

	hlcSvc, err := hlc.New(deviceID, kvHLCStore{adapter: adapter}, nil)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(adapter, hlcSvc)
	if err != nil {
		return nil, err
	}

	authMode := transporthttp.AuthCookie
	var tokenFunc transporthttp.TokenFunc
	switch viper.GetString(cfgServerAuthMode) {
	case "bearer":
		authMode = transporthttp.AuthBearer
		token := viper.GetString(cfgServerToken)
		tokenFunc = func(ctx context.Context) (string, error) { return token, nil }
	case "cookie", "":
		authMode = transporthttp.AuthCookie
	default:
		return nil, errs.New(errs.KindInvalidArgument, "--server.auth-mode must be cookie or bearer")
	}
	transport, err := transporthttp.New(transporthttp.Config{
		BaseURL:   serverURL,
		Namespace: namespace,
		AuthMode:  authMode,
		TokenFunc: tokenFunc,
	})
	if err != nil {
		return nil, err
	}

	pollerDriver := poller.New(poller.Config{
		Probe: func() bool {
			_, pullErr := transport.Pull(context.Background(), transportapi.PullRequest{Namespace: namespace, Limit: 1})
			return pullErr == nil
		},
	})
	connMgr := connection.NewManager(pollerDriver)

	return &components{
		adapter:   adapter,
		hlcSvc:    hlcSvc,
		engine:    eng,
		connMgr:   connMgr,
		poller:    pollerDriver,
		transport: transport,
	}, nil
}

func (c *components) close() {
	c.connMgr.Close()
	c.poller.Stop()
	c.hlcSvc.Close()
	c.engine.Close()
	if err := c.adapter.Close(); err != nil {
		logger.Error("failed to close storage adapter", "err", err)
	}
}

func doRun(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	loop := sync.NewLoop(sync.Config{
		Namespace:     viper.GetString(cfgNamespace),
		Engine:        c.engine,
		Transport:     c.transport,
		ConnManager:   c.connMgr,
		CursorKey:     viper.GetString(cfgSyncCursorKey),
		IntervalMS:    viper.GetInt(cfgSyncIntervalMS),
		PushBatchSize: viper.GetInt(cfgSyncPushBatchSize),
		PullLimit:     viper.GetInt(cfgSyncPullLimit),
		OnError:       func(err error) { logger.Error("sync loop reported an error", "err", err) },
	})
	defer loop.Close()

	ctx := context.Background()
	if err := loop.Start(ctx); err != nil {
		return err
	}
	logger.Info("syncd started", "namespace", viper.GetString(cfgNamespace), "device_id", viper.GetString(cfgDeviceID))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("syncd shutting down")
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return loop.Stop(stopCtx)
}

func doPushOnce(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	ctx := context.Background()
	pending, err := c.engine.GetPending(ctx, viper.GetInt(cfgSyncPushBatchSize))
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info("push-once: nothing pending")
		return nil
	}
	resp, err := c.transport.Push(ctx, transportapi.PushRequest{Namespace: viper.GetString(cfgNamespace), Operations: pending})
	if err != nil {
		return err
	}
	if resp.AcknowledgedThroughSequence != nil {
		if err := c.engine.RemovePendingThrough(ctx, *resp.AcknowledgedThroughSequence); err != nil {
			return err
		}
		logger.Info("push-once complete", "acknowledged_through", *resp.AcknowledgedThroughSequence)
	}
	return nil
}

func doPullOnce(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer c.close()

	ctx := context.Background()
	cursorKey := viper.GetString(cfgSyncCursorKey)
	raw, err := c.engine.GetKV(ctx, cursorKey)
	if err != nil {
		return err
	}
	var cursor *storageapi.Cursor
	if raw != nil {
		var c2 storageapi.Cursor
		if err := json.Unmarshal(raw, &c2); err == nil {
			cursor = &c2
		}
	}

	resp, err := c.transport.Pull(ctx, transportapi.PullRequest{
		Namespace: viper.GetString(cfgNamespace),
		Cursor:    cursor,
		Limit:     viper.GetInt(cfgSyncPullLimit),
	})
	if err != nil {
		return err
	}
	if len(resp.Changes) > 0 {
		if _, err := c.engine.ApplyRemote(ctx, resp.Changes); err != nil {
			return err
		}
	}
	if resp.NextCursor != nil {
		nextRaw, err := json.Marshal(resp.NextCursor)
		if err != nil {
			return err
		}
		if err := c.engine.PutKV(ctx, cursorKey, nextRaw); err != nil {
			return err
		}
	}
	logger.Info("pull-once complete", "changes", len(resp.Changes), "has_more", resp.HasMore)
	return nil
}
