// Package client implements the tuxagent sync engine: the periodic poll loop
// that authenticates the device, pushes metadata and disk usage to the
// management server in batched RPC calls, and announces the m2m identity.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"tuxagent/internal/journal"
	"tuxagent/internal/jsonrpc"
	"tuxagent/internal/meta"
	"tuxagent/pkg/config"
)

// Remote method names, per the server's RPC surface.
const (
	methodCheckAuth       = "device.check_auth"
	methodSetDiskSpace    = "device.set_disk_space"
	methodSetAgentVersion = "device.set_agent_version"
	methodSetMachineType  = "device.set_machine_type"
	methodSetOSVersion    = "device.set_os_version"
	methodSetUname        = "device.set_uname"
	methodAssociate       = "m2m.associate"
)

// Result slot names within a batch.
const (
	resultAuth         = "authenticate_result"
	resultSetDiskSpace = "set_disk_space_result"
	resultAgentVersion = "set_agent_version_result"
	resultMachineType  = "set_machine_type_result"
	resultOSVersion    = "set_os_version_result"
	resultUname        = "set_uname_result"
	resultAssociate    = "associate_result"
)

// DiskUsage is the measurement reported via device.set_disk_space.
type DiskUsage struct {
	Total uint64
	Used  uint64
}

// probeDiskUsage measures the filesystem holding the given path.
func probeDiskUsage(path string) (DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{Total: usage.Total, Used: usage.Used}, nil
}

// Client is the sync engine. One cycle is the unit of mutual exclusion: an
// external Sync call and the scheduled poll serialize on syncMu rather than
// interleaving calls within a batch.
type Client struct {
	remote  *jsonrpc.Client
	journal *journal.Journal
	log     zerolog.Logger

	deviceClass string
	serial      string
	authToken   string

	pollRate time.Duration
	diskPath string
	disk     *diskSchedule
	meta     *metaSync

	// Injectable for tests.
	getMeta   func() (*meta.Meta, error)
	diskUsage func(path string) (DiskUsage, error)
	now       func() time.Time

	syncMu    sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closers   []func()
}

// New builds the sync engine from parsed configuration. The journal may be
// nil; cycle outcomes are then not recorded locally.
func New(cfg *config.Config, remote *jsonrpc.Client, jrnl *journal.Journal, log zerolog.Logger) (*Client, error) {
	serial, err := cfg.Device.ResolveSerial()
	if err != nil {
		return nil, err
	}
	authToken, err := cfg.Device.ResolveAuth()
	if err != nil {
		return nil, err
	}
	pollRate, err := cfg.Daemon.ParsePoll()
	if err != nil {
		return nil, err
	}
	diskPollRate, err := cfg.Daemon.ParseDiskPoll()
	if err != nil {
		return nil, err
	}

	now := time.Now
	c := &Client{
		remote:      remote,
		journal:     jrnl,
		log:         log,
		deviceClass: cfg.Device.Class,
		serial:      serial,
		authToken:   authToken,
		pollRate:    pollRate,
		diskPath:    cfg.Daemon.DiskPath,
		disk:        newDiskSchedule(now(), diskPollRate),
		meta:        &metaSync{},
		getMeta:     meta.Get,
		diskUsage:   probeDiskUsage,
		now:         now,
		stop:        make(chan struct{}),
	}

	log.Info().Str("version", meta.Version).Msg("tuxagent")
	if md, err := meta.Get(); err == nil {
		log.Info().Str("uname", md.Uname).Msg("Platform")
	}
	log.Info().
		Str("api", remote.URL()).
		Str("serial", serial).
		Dur("poll", pollRate).
		Msg("Device configured")
	if authToken == "" {
		log.Warn().Msg("No auth token found, sync disabled until the device is registered")
	}

	return c, nil
}

// Serial returns the device serial resolved at startup.
func (c *Client) Serial() string {
	return c.serial
}

// Run blocks until Stop is called, polling immediately and then at the fixed
// poll rate. Teardown runs exactly once on the way out.
func (c *Client) Run() {
	defer func() {
		c.log.Debug().Msg("Closing")
		c.Close()
		c.log.Debug().Msg("Goodbye")
	}()

	c.Poll()
	ticker := time.NewTicker(c.pollRate)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.log.Debug().Msg("Exit requested")
			return
		case <-ticker.C:
			c.Poll()
		}
	}
}

// Stop signals the run loop to exit. Level-triggered and safe to call from
// any goroutine; an in-flight cycle is allowed to complete.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// OnClose registers a teardown hook for external collaborators. Hooks run in
// registration order when the engine closes.
func (c *Client) OnClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Close runs teardown exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		for _, fn := range c.closers {
			fn()
		}
		if c.journal != nil {
			if err := c.journal.Close(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to close journal")
			}
		}
	})
}

// Poll runs one scheduled cycle.
func (c *Client) Poll() {
	c.log.Debug().Time("t", c.now()).Msg("Poll")
	c.Sync(context.Background())
}

// Sync runs one sync cycle under mutual exclusion. Failures are classified
// and logged here; nothing escapes to the run loop.
func (c *Client) Sync(ctx context.Context) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	if c.authToken == "" {
		c.log.Debug().Msg("Skipping sync, no auth token")
		return
	}

	start := c.now()
	syncID := makeSyncID()
	diskReported, err := c.sync(ctx, syncID)
	elapsed := c.now().Sub(start)
	c.log.Debug().Str("sync_id", syncID).Dur("elapsed", elapsed).Msg("Sync complete")

	if err != nil {
		c.logSyncError(err)
	}
	c.record(journal.Record{
		SyncID:       syncID,
		Started:      start,
		Duration:     elapsed,
		DiskReported: diskReported,
		MetaSent:     c.meta.sent(),
		OK:           err == nil,
		Error:        errString(err),
	})
}

// sync performs one cycle: authenticate, conditional metadata, conditional
// disk report, send, verify.
func (c *Client) sync(ctx context.Context, syncID string) (diskReported bool, err error) {
	batch := c.remote.Batch()

	if err := batch.Call(resultAuth, methodCheckAuth, map[string]any{
		"device_class": c.deviceClass,
		"serial":       c.serial,
		"auth_token":   c.authToken,
		"sync_id":      syncID,
	}); err != nil {
		batch.Abandon()
		return false, err
	}

	// Only a hard failure to build valid calls abandons the batch. Meta
	// already sent, or a collection failure, both leave the batch intact.
	if err := c.meta.contribute(batch, c.getMeta, c.log); err != nil {
		batch.Abandon()
		return false, err
	}

	diskReported, err = c.contributeDisk(batch)
	if err != nil {
		batch.Abandon()
		return false, err
	}

	if err := batch.Send(ctx); err != nil {
		return diskReported, err
	}
	if !batch.Sent() {
		return diskReported, nil
	}

	if _, err := batch.GetResult(resultAuth); err != nil {
		return diskReported, err
	}
	c.meta.confirm(batch, c.log)
	if diskReported {
		if err := batch.Check(resultSetDiskSpace); err != nil {
			return true, err
		}
	}
	return diskReported, nil
}

// contributeDisk queues a disk-usage report when the disk schedule is due.
// The schedule advances relative to now even if the probe fails, so a broken
// probe retries at the disk cadence rather than every poll.
func (c *Client) contributeDisk(batch *jsonrpc.Batch) (bool, error) {
	if !c.disk.dueAndAdvance(c.now()) {
		return false, nil
	}
	usage, err := c.diskUsage(c.diskPath)
	if err != nil {
		c.log.Error().Err(err).Str("path", c.diskPath).Msg("Failed to measure disk usage")
		return false, nil
	}
	if err := batch.Call(resultSetDiskSpace, methodSetDiskSpace, map[string]any{
		"disk_capacity": usage.Total,
		"disk_used":     usage.Used,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// SetM2MIdentity announces the m2m tunneling identity (or an empty identity
// to clear it) to the server. It returns the identity on confirmed success
// and "" otherwise. Safe to call repeatedly; the identity is re-announced on
// every sync as a consistency backstop.
func (c *Client) SetM2MIdentity(ctx context.Context, identity string) string {
	if c.authToken == "" {
		c.log.Debug().Msg("Skipping m2m identity notify, no auth token")
		return ""
	}

	c.log.Debug().
		Str("api", c.remote.URL()).
		Str("identity", identity).
		Msg("Notifying server of m2m identity")

	batch := c.remote.Batch()
	if err := batch.Call(resultAuth, methodCheckAuth, map[string]any{
		"device_class": c.deviceClass,
		"serial":       c.serial,
		"auth_token":   c.authToken,
	}); err != nil {
		c.log.Error().Err(err).Msg("Unable to set m2m identity")
		return ""
	}
	if err := batch.Call(resultAssociate, methodAssociate, map[string]any{
		"identity": identity,
	}); err != nil {
		c.log.Error().Err(err).Msg("Unable to set m2m identity")
		return ""
	}

	if err := batch.Send(ctx); err != nil {
		var unreachable *jsonrpc.ServerUnreachableError
		if errors.As(err, &unreachable) {
			// Expected when offline; the identity goes out with the next sync.
			c.log.Debug().Err(err).Msg("Set m2m identity failed")
		} else {
			c.log.Error().Err(err).Msg("Unable to set m2m identity")
		}
		return ""
	}

	if err := batch.Check(resultAuth, resultAssociate); err != nil {
		var remoteErr *jsonrpc.RemoteCallError
		if errors.As(err, &remoteErr) {
			c.log.Error().
				Str("method", remoteErr.Method).
				Int("code", remoteErr.Code).
				Str("message", remoteErr.Message).
				Msg("Unable to associate m2m identity")
		} else {
			c.log.Error().Err(err).Msg("Unable to set m2m identity")
		}
		return ""
	}

	c.log.Debug().Str("identity", identity).Msg("Server received m2m identity")
	return identity
}

// logSyncError classifies a cycle failure per the fault taxonomy: transient
// transport failures at debug, server-side faults with their details, and
// anything unexpected at error.
func (c *Client) logSyncError(err error) {
	var unreachable *jsonrpc.ServerUnreachableError
	var remoteErr *jsonrpc.RemoteCallError
	switch {
	case errors.As(err, &unreachable):
		c.log.Debug().Err(err).Msg("Sync skipped, server unreachable")
	case errors.As(err, &remoteErr):
		c.log.Error().
			Str("method", remoteErr.Method).
			Int("code", remoteErr.Code).
			Str("message", remoteErr.Message).
			Msg("Sync failed")
	default:
		c.log.Error().Err(err).Msg("Sync failed")
	}
}

// record appends a cycle outcome to the journal, best effort.
func (c *Client) record(rec journal.Record) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(rec); err != nil {
		c.log.Warn().Err(err).Msg("Failed to record sync in journal")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
