// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package ingest implements Event Ingest: the daemon's sole point of contact
// with the outside world's notion of "what disks exist" (design §4.3). It
// has four sources — the kernel appearance/disappearance stream (relayed
// through internal/ingest/udev), periodic lsblk-based reconciliation against
// that stream, per-media property-change notifications, and mount-table
// change notifications — and it is the only component permitted to mutate
// the DiskRegistry/UnitRegistry in response to them. Udev events are applied
// by a single loop goroutine, so an appearance racing a disappearance for
// the same kernel object (the "queue-crossing" case) is resolved in arrival
// order; reconciliation and the mount-table scan run as scheduled jobs on
// their own goroutines, alongside that loop.
package ingest

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/stratastor/logger"

	"github.com/diskarbd/diskarbd/internal/callback"
	"github.com/diskarbd/diskarbd/internal/command"
	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/ingest/udev"
	"github.com/diskarbd/diskarbd/internal/registry"
	"github.com/diskarbd/diskarbd/pkg/errors"
)

// pseudoFilesystems are never surfaced as disks: they have no backing block
// device, or (overlay/autofs/bind-via-duplicate-device) they describe a
// second view of a device Ingest already tracks (§4.3 mount-table source:
// "skip bind/union/devfs filesystems").
var pseudoFilesystems = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "tmpfs": true,
	"cgroup": true, "cgroup2": true, "devpts": true, "securityfs": true,
	"debugfs": true, "pstore": true, "mqueue": true, "hugetlbfs": true,
	"configfs": true, "fusectl": true, "tracefs": true, "bpf": true,
	"overlay": true, "autofs": true, "binfmt_misc": true, "nsfs": true,
}

var trailingPartitionNumber = regexp.MustCompile(`(p?\d+)$`)

// wholeDiskKName derives a partition's backing whole-disk kernel name by
// stripping its trailing slice number (sda1 -> sda, nvme0n1p3 -> nvme0n1).
// lsblk reports the real parent explicitly (PKName); this heuristic is used
// only for udev events, which don't carry the parent relationship.
func wholeDiskKName(devName string) string {
	if trimmed := trailingPartitionNumber.ReplaceAllString(devName, ""); trimmed != "" && trimmed != devName {
		return trimmed
	}
	return devName
}

// Config bounds Ingest's own behavior; values are sourced from the daemon's
// loaded configuration.
type Config struct {
	// UdevMonitorEnabled gates the udevadm monitor event stream; reconciliation
	// and mount-table polling still run with it off, at the cost of latency
	// between a device appearing and the daemon noticing.
	UdevMonitorEnabled bool
	UdevadmPath        string
	LsblkPath          string
	MountsPath         string // defaults to /proc/mounts
	ReconcileInterval  time.Duration
	MountTableInterval time.Duration
	EventBufferSize    int
}

func (c Config) withDefaults() Config {
	if c.UdevadmPath == "" {
		c.UdevadmPath = "udevadm"
	}
	if c.LsblkPath == "" {
		c.LsblkPath = "lsblk"
	}
	if c.MountsPath == "" {
		c.MountsPath = "/proc/mounts"
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.MountTableInterval <= 0 {
		c.MountTableInterval = 10 * time.Second
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
	return c
}

// Ingest wires the kernel event stream, periodic device discovery, and
// mount-table polling into DiskRegistry/UnitRegistry mutations and Callback
// Dispatcher notifications.
type Ingest struct {
	log        logger.Logger
	cfg        Config
	disks      *registry.DiskRegistry
	units      *registry.UnitRegistry
	dispatcher *callback.Dispatcher
	monitor    *udev.Monitor
	scheduler  gocron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	appeared     chan *registry.Disk
	disappeared  chan *registry.Disk
	changed      chan *registry.Disk

	// knownMounts tracks device->mountpoint seen on the last mount-table
	// scan, so unchanged entries don't re-trigger property updates.
	mountsMu    sync.Mutex
	knownMounts map[string]string
}

// New returns an unstarted Ingest bound to the given registries and dispatcher.
func New(log logger.Logger, cfg Config, disks *registry.DiskRegistry, units *registry.UnitRegistry, dispatcher *callback.Dispatcher) *Ingest {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingest{
		log:         log,
		cfg:         cfg,
		disks:       disks,
		units:       units,
		dispatcher:  dispatcher,
		monitor:     udev.NewMonitor(log, cfg.EventBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		appeared:    make(chan *registry.Disk, cfg.EventBufferSize),
		disappeared: make(chan *registry.Disk, cfg.EventBufferSize),
		changed:     make(chan *registry.Disk, cfg.EventBufferSize),
		knownMounts: make(map[string]string),
	}
}

// Appearances delivers disks Event Ingest has registered and handed off for
// staging. The Stage Engine is responsible for driving each one through
// probe/repair/mount and for calling SetBusy(-1) once it reaches a terminal
// state, matching the busy count Ingest raised when it queued the disk.
func (i *Ingest) Appearances() <-chan *registry.Disk { return i.appeared }

// Disappearances delivers disks marked Zombie, pending the Stage Engine's
// force-unmount-then-finalize sequence. Call Finalize once cleanup is done.
func (i *Ingest) Disappearances() <-chan *registry.Disk { return i.disappeared }

// PropertyChanges delivers disks whose watched descriptor keys changed,
// for the Stage Engine to act on (e.g. renaming a mounted volume whose name
// changed on-media).
func (i *Ingest) PropertyChanges() <-chan *registry.Disk { return i.changed }

// Start launches the kernel monitor, schedules the reconciliation and
// mount-table poll jobs, and begins serializing their output onto the
// registries (§4.3 periodic reconciliation against queue-crossing/missed
// kernel events).
func (i *Ingest) Start() error {
	if i.cfg.UdevMonitorEnabled {
		if err := i.monitor.Start(i.cfg.UdevadmPath); err != nil {
			return err
		}
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, errors.IngestMonitorFailed).WithMetadata("operation", "create_scheduler")
	}
	i.scheduler = scheduler

	// Seed the registry before the first scheduled run so a disk already
	// present at daemon start isn't reported as a fresh appearance/
	// disappearance pair.
	i.reconcile()
	i.scanMountTable()

	if _, err := i.scheduler.NewJob(
		gocron.DurationJob(i.cfg.ReconcileInterval),
		gocron.NewTask(i.reconcile),
		gocron.WithName("disk_reconciliation"),
	); err != nil {
		return errors.Wrap(err, errors.IngestReconciliationFailed).WithMetadata("operation", "schedule_reconcile")
	}
	if _, err := i.scheduler.NewJob(
		gocron.DurationJob(i.cfg.MountTableInterval),
		gocron.NewTask(i.scanMountTable),
		gocron.WithName("mount_table_scan"),
	); err != nil {
		return errors.Wrap(err, errors.IngestReconciliationFailed).WithMetadata("operation", "schedule_mount_table_scan")
	}
	i.scheduler.Start()

	i.wg.Add(1)
	go i.runLoop()

	return nil
}

// Stop tears down the kernel monitor, the scheduled jobs, and the event loop.
func (i *Ingest) Stop() {
	i.cancel()
	i.monitor.Stop()
	if i.scheduler != nil {
		_ = i.scheduler.Shutdown()
	}
	i.wg.Wait()
}

func (i *Ingest) runLoop() {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			return
		case ev, ok := <-i.monitor.Events():
			if !ok {
				continue
			}
			i.handleUdevEvent(ev)
		case err, ok := <-i.monitor.Errors():
			if ok {
				i.log.Warn("udev monitor reported an error, continuing", "err", err)
			}
		}
	}
}

func (i *Ingest) handleUdevEvent(ev *udev.Event) {
	desc := descriptorFromUdevProps(ev.Properties, ev.DevType)
	switch ev.Action {
	case udev.ActionAdd:
		i.applyAppearance(ev.DevName, ev.DevPath, desc, ev.DevType == "disk")
	case udev.ActionRemove:
		i.applyDisappearance(ev.DevName)
	case udev.ActionChange:
		i.applyPropertyChange(ev.DevName, desc)
	}
}

// applyAppearance registers a newly observed kernel object, or — the
// queue-crossing case (§4.3, §8 property 8) — reconciles an appearance that
// arrived for a disk still mid-teardown: rather than create a duplicate, the
// Zombie flag is cleared and the existing Disk is refreshed in place, so a
// disappearance already queued for the Stage Engine is superseded instead of
// racing a brand-new Disk for the same kernel object.
func (i *Ingest) applyAppearance(kernelID, devicePath string, desc map[descriptor.Key]any, whole bool) {
	if existing, ok := i.disks.LookupByKernelObject(kernelID); ok {
		if existing.Has(registry.Zombie) {
			i.log.Info("disk reappeared before teardown finished, superseding disappearance", "disk", kernelID)
			existing.ClearFlag(registry.Zombie)
		}
		for k, v := range desc {
			existing.Descriptor.Set(k, v)
		}
		return
	}

	d := registry.NewDisk(kernelID, kernelID)
	for k, v := range desc {
		d.Descriptor.Set(k, v)
	}
	if devicePath != "" {
		d.Descriptor.Set(descriptor.KeyDevicePath, devicePath)
	}
	d.Descriptor.Set(descriptor.KeyDeviceWholeMedia, whole)

	if err := i.disks.Insert(d); err != nil {
		i.log.Warn("dropping duplicate appearance", "disk", kernelID, "err", err)
		return
	}

	d.UnitNumber = kernelID
	if !whole {
		d.UnitNumber = wholeDiskKName(kernelID)
	}
	u := i.units.GetOrCreate(d.UnitNumber)
	u.AddDisk(d.ID)

	i.dispatcher.SetBusy(1)
	select {
	case i.appeared <- d:
	default:
		i.log.Warn("appearance buffer full, dropping handoff to staging", "disk", kernelID)
		i.dispatcher.SetBusy(-1)
	}
}

// applyDisappearance marks a disk Zombie (invisible to new lookups per the
// DiskRegistry contract) and hands it to the Stage Engine for unmount/eject
// cleanup. The registry entry is only actually removed once the Stage Engine
// calls Finalize, so a disappearance that crosses a re-appearance (handled
// above) can still be superseded instead of losing the disk's identity.
func (i *Ingest) applyDisappearance(kernelID string) {
	d, ok := i.disks.LookupByKernelObject(kernelID)
	if !ok {
		return
	}
	d.SetFlag(registry.Zombie)

	if d.Has(registry.StagedAppear) {
		i.dispatcher.Notify(registry.CallbackDiskDisappeared, d, nil)
	}

	select {
	case i.disappeared <- d:
	default:
		i.log.Warn("disappearance buffer full, finalizing without Stage Engine cleanup", "disk", kernelID)
		i.Finalize(d)
	}
}

// Finalize removes d from the registries once the Stage Engine has completed
// its teardown (unmount/eject, queue drain). Idempotent.
func (i *Ingest) Finalize(d *registry.Disk) {
	d.Unclaim()
	i.units.RemoveDisk(d.UnitNumber, d.ID)
	i.disks.Remove(d)
}

// applyPropertyChange reconciles freshly observed properties against the
// disk's descriptor, notifying subscribers only when a watched key actually
// changed (§4.3 property-change handling, §4.4 Fan-out watch-set filter).
func (i *Ingest) applyPropertyChange(kernelID string, fresh map[descriptor.Key]any) {
	d, ok := i.disks.LookupByKernelObject(kernelID)
	if !ok {
		return
	}
	changedKeys := d.Descriptor.Diff(fresh, descriptor.WatchedKeys)
	if len(changedKeys) == 0 {
		return
	}
	if d.Has(registry.StagedAppear) {
		i.dispatcher.Notify(registry.CallbackDiskDescriptionChanged, d, changedKeys)
	}
	select {
	case i.changed <- d:
	default:
		i.log.Warn("property-change buffer full, dropping", "disk", kernelID)
	}
}

// reconcile runs lsblk and diffs its output against the registry, catching
// any kernel event Event Ingest's udev stream missed (§4.3 source (a)/(b),
// grounded on the teacher's hotplug reconciler's discover-then-diff loop).
func (i *Ingest) reconcile() {
	out, err := command.ExecCommand(i.ctx, i.log, i.cfg.LsblkPath, "-J", "-O")
	if err != nil {
		i.log.Warn("lsblk reconciliation failed", "err", err)
		return
	}
	devices, err := parseLsblkJSON(out)
	if err != nil {
		i.log.Warn("failed to parse lsblk output", "err", err)
		return
	}
	flat := flatten(devices, "")

	discovered := make(map[string]bool, len(flat))
	for _, bd := range flat {
		name := bd.KName
		if name == "" {
			name = bd.Name
		}
		discovered[name] = true

		if _, ok := i.disks.LookupByKernelObject(name); ok {
			i.applyPropertyChange(name, descriptorFromBlockDevice(bd))
			continue
		}
		i.applyAppearance(name, bd.Path, descriptorFromBlockDevice(bd), bd.IsWholeDisk())
	}

	for _, d := range i.disks.All() {
		if !discovered[d.KernelObj] {
			i.applyDisappearance(d.KernelObj)
		}
	}
}

// scanMountTable reads the mount table and refreshes or creates disks for
// entries Event Ingest doesn't yet track — the case of a filesystem already
// mounted when the daemon starts — skipping bind mounts, union filesystems,
// and devfs-style pseudo filesystems (§4.3 source (d)).
func (i *Ingest) scanMountTable() {
	f, err := os.Open(i.cfg.MountsPath)
	if err != nil {
		i.log.Warn("failed to open mount table", "path", i.cfg.MountsPath, "err", err)
		return
	}
	defer f.Close()

	current := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		device, mountPoint, fsType := fields[0], fields[1], fields[2]
		if !strings.HasPrefix(device, "/dev/") || pseudoFilesystems[fsType] {
			continue
		}
		current[device] = mountPoint

		i.mountsMu.Lock()
		prior, seen := i.knownMounts[device]
		i.mountsMu.Unlock()
		if seen && prior == mountPoint {
			continue
		}

		kernelID := strings.TrimPrefix(device, "/dev/")
		desc := map[descriptor.Key]any{
			descriptor.KeyVolumeKind:      fsType,
			descriptor.KeyVolumePath:      mountPoint,
			descriptor.KeyVolumeMountable: true,
			descriptor.KeyDevicePath:      device,
		}
		if _, ok := i.disks.LookupByKernelObject(kernelID); ok {
			i.applyPropertyChange(kernelID, desc)
		} else {
			i.applyAppearance(kernelID, device, desc, false)
		}
	}

	i.mountsMu.Lock()
	i.knownMounts = current
	i.mountsMu.Unlock()
}

func descriptorFromBlockDevice(bd blockDevice) map[descriptor.Key]any {
	desc := map[descriptor.Key]any{
		descriptor.KeyMediaSize:        int64(bd.Size),
		descriptor.KeyDeviceRemovable:  bd.RM,
		descriptor.KeyMediaWritable:    !bd.RO,
		descriptor.KeyDeviceWholeMedia: bd.IsWholeDisk(),
	}
	if bd.Mountpoint != nil && *bd.Mountpoint != "" {
		desc[descriptor.KeyVolumePath] = *bd.Mountpoint
		desc[descriptor.KeyVolumeMountable] = true
	}
	if bd.FSType != nil {
		desc[descriptor.KeyVolumeKind] = *bd.FSType
	}
	if bd.UUID != nil {
		desc[descriptor.KeyVolumeUUID] = *bd.UUID
	}
	if bd.Label != nil {
		desc[descriptor.KeyVolumeName] = *bd.Label
	}
	return desc
}

func descriptorFromUdevProps(props map[string]string, devType string) map[descriptor.Key]any {
	desc := map[descriptor.Key]any{
		descriptor.KeyDeviceWholeMedia: devType == "disk",
	}
	if v, ok := props["ID_FS_TYPE"]; ok {
		desc[descriptor.KeyVolumeKind] = v
		desc[descriptor.KeyVolumeMountable] = true
	}
	if v, ok := props["ID_FS_UUID"]; ok {
		desc[descriptor.KeyVolumeUUID] = v
	}
	if v, ok := props["ID_FS_LABEL"]; ok {
		desc[descriptor.KeyVolumeName] = v
	}
	if v, ok := props["ID_PART_ENTRY_TYPE"]; ok {
		desc[descriptor.KeyVolumeRole] = v
	}
	if v, ok := props["DEVTYPE"]; ok && v == "partition" {
		desc[descriptor.KeyDeviceLeaf] = true
	}
	if v, ok := props["ID_DRIVE_THUMBDRIVE"]; ok {
		desc[descriptor.KeyDeviceRemovable] = v == "1"
	}
	if sizeStr, ok := props["UDISKS_BLOCK_SIZE"]; ok {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
			desc[descriptor.KeyMediaSize] = size
		}
	}
	return desc
}
