// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/versusmen/matchfleet/lib/cloud"
	"github.com/versusmen/matchfleet/lib/config"
)

const (
	defaultStatusTimeout  = 5 * time.Second
	defaultUpdateInterval = 30 * time.Second
	defaultProtectRotate  = time.Hour

	// Launch poll schedule: maxPollAttempts polls with a delay of
	// pollDelayBase + i*pollDelayStep before poll i.
	defaultMaxPollAttempts = 40
	defaultPollDelayBase   = 5 * time.Second
	defaultPollDelayStep   = 250 * time.Millisecond

	cloudOpTimeout = time.Minute
)

// NewPool creates a Pool of worker VMs backed by instanceSet and
// probed through agent, configured from cfg. The reconcile loop
// starts immediately and runs until Stop (or ctx cancellation).
func NewPool(ctx context.Context, logger logrus.FieldLogger, reg *prometheus.Registry, instanceSet cloud.InstanceSet, agent Agent, cfg *config.Config) *Pool {
	wp := &Pool{
		logger:               logger,
		instanceSet:          instanceSet,
		agent:                agent,
		template:             cfg.VMTemplate,
		fullMatchLimit:       cfg.FullMatchLimit,
		maxBackupVMs:         cfg.MaxBackupVMs,
		minBackupVMs:         cfg.MinBackupVMs,
		nearCapacity:         cfg.NearCapacityThreshold,
		unreachableThreshold: cfg.VMUnreachableTerminateThreshold,
		vmAgeTerminate:       cfg.VMAgeTerminate,
		statusTimeout:        cfg.StatusTimeout,
		updateInterval:       cfg.UpdateInterval,
		protectRotate:        cfg.ProtectRotate,
		ctx:                  ctx,
		stop:                 make(chan struct{}),
	}
	wp.registerMetrics(reg)
	go func() {
		wp.setupOnce.Do(wp.setup)
		wp.runUpdates()
	}()
	return wp
}

// Pool is the in-memory model of the worker VM fleet: the single
// mutation point for VM records, the allocation policy, and the
// periodic reconcile loop. A zero Pool is not usable; call NewPool.
type Pool struct {
	// configuration
	logger               logrus.FieldLogger
	instanceSet          cloud.InstanceSet
	agent                Agent
	template             cloud.VMTemplate
	fullMatchLimit       int
	maxBackupVMs         int
	minBackupVMs         int
	nearCapacity         int
	unreachableThreshold int
	vmAgeTerminate       time.Duration
	statusTimeout        time.Duration
	updateInterval       time.Duration
	protectRotate        time.Duration
	maxPollAttempts      int
	pollDelayBase        time.Duration
	pollDelayStep        time.Duration

	// private state
	workers       map[cloud.InstanceID]*vm
	protected     cloud.InstanceID // empty when no VM is protected
	launching     bool             // a launch is in progress (single-flight)
	loaded        bool             // at least one cloud sync has succeeded
	lastNameStamp int64
	ctx           context.Context
	stop          chan struct{}
	updating      chan struct{}
	mtx           sync.RWMutex
	setupOnce     sync.Once

	mVMs          prometheus.Gauge
	mFreeSlots    prometheus.Gauge
	mLaunches     prometheus.Counter
	mLaunchFails  prometheus.Counter
	mTerminations *prometheus.CounterVec
}

func (wp *Pool) setup() {
	wp.workers = map[cloud.InstanceID]*vm{}
	wp.updating = make(chan struct{}, 1)
	if wp.logger == nil {
		wp.logger = logrus.StandardLogger()
	}
	if wp.statusTimeout <= 0 {
		wp.statusTimeout = defaultStatusTimeout
	}
	if wp.updateInterval <= 0 {
		wp.updateInterval = defaultUpdateInterval
	}
	if wp.protectRotate <= 0 {
		wp.protectRotate = defaultProtectRotate
	}
	if wp.maxPollAttempts <= 0 {
		wp.maxPollAttempts = defaultMaxPollAttempts
	}
	if wp.pollDelayBase <= 0 {
		wp.pollDelayBase = defaultPollDelayBase
	}
	if wp.pollDelayStep <= 0 {
		wp.pollDelayStep = defaultPollDelayStep
	}
	if wp.ctx == nil {
		wp.ctx = context.Background()
	}
	if wp.stop == nil {
		wp.stop = make(chan struct{})
	}
	if wp.mVMs == nil {
		wp.registerMetrics(nil)
	}
}

func (wp *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wp.mVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchfleet",
		Subsystem: "dispatch",
		Name:      "vms_total",
		Help:      "Number of tracked worker VMs.",
	})
	reg.MustRegister(wp.mVMs)
	wp.mFreeSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchfleet",
		Subsystem: "dispatch",
		Name:      "free_slots",
		Help:      "Total free match slots across reachable VMs.",
	})
	reg.MustRegister(wp.mFreeSlots)
	wp.mLaunches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchfleet",
		Subsystem: "dispatch",
		Name:      "launches_total",
		Help:      "Number of VM launches completed successfully.",
	})
	reg.MustRegister(wp.mLaunches)
	wp.mLaunchFails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchfleet",
		Subsystem: "dispatch",
		Name:      "launch_failures_total",
		Help:      "Number of VM launches that failed or timed out.",
	})
	reg.MustRegister(wp.mLaunchFails)
	wp.mTerminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchfleet",
		Subsystem: "dispatch",
		Name:      "terminations_total",
		Help:      "Number of VM terminations requested, by reason.",
	}, []string{"reason"})
	reg.MustRegister(wp.mTerminations)
}

func (wp *Pool) updateMetrics() {
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	var free int
	for _, wkr := range wp.workers {
		if wkr.unreachableCount == 0 {
			free += wkr.freeSlots(wp.fullMatchLimit)
		}
	}
	wp.mVMs.Set(float64(len(wp.workers)))
	wp.mFreeSlots.Set(float64(free))
}

// Stop ends the reconcile loop. It does not terminate any VMs.
func (wp *Pool) Stop() {
	wp.setupOnce.Do(wp.setup)
	close(wp.stop)
}

// CheckHealth reports nil after the pool has completed at least one
// successful cloud sync.
func (wp *Pool) CheckHealth() error {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	if !wp.loaded {
		return errors.New("have not yet synced with cloud provider")
	}
	return nil
}

// Instances returns a VMView for each tracked VM, ordered by
// instance ID.
func (wp *Pool) Instances() []VMView {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.RLock()
	r := make([]VMView, 0, len(wp.workers))
	for _, wkr := range wp.workers {
		r = append(r, wkr.view())
	}
	wp.mtx.RUnlock()
	sort.Slice(r, func(i, j int) bool { return r[i].InstanceID < r[j].InstanceID })
	return r
}

// Protected returns the instance ID of the VM currently exempt from
// termination, or "" if there is none.
func (wp *Pool) Protected() cloud.InstanceID {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	return wp.protected
}

// IncrementMatchCount bumps a VM's match count optimistically after a
// successful start-match. The next probe overwrites any drift.
func (wp *Pool) IncrementMatchCount(id cloud.InstanceID) {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if wkr, ok := wp.workers[id]; ok {
		wkr.matchCount++
	}
}

// snapshot returns a copy of the registry for use outside the lock.
func (wp *Pool) snapshot() []VMView {
	wp.mtx.RLock()
	defer wp.mtx.RUnlock()
	r := make([]VMView, 0, len(wp.workers))
	for _, wkr := range wp.workers {
		r = append(r, wkr.view())
	}
	return r
}

// upsertFromCloud inserts or refreshes a record from a cloud
// instance. Records without a public IP are never inserted. Caller
// must have lock.
func (wp *Pool) upsertFromCloud(inst cloud.Instance) {
	if wkr, ok := wp.workers[inst.ID]; ok {
		if inst.PublicIP != "" && inst.PublicIP != wkr.ip {
			wp.logger.WithFields(logrus.Fields{
				"Instance": inst.ID,
				"IP":       inst.PublicIP,
			}).Info("instance address changed")
			wkr.ip = inst.PublicIP
		}
		return
	}
	if inst.PublicIP == "" {
		return
	}
	now := time.Now()
	wp.logger.WithFields(logrus.Fields{
		"Instance": inst.ID,
		"IP":       inst.PublicIP,
	}).Info("instance appeared in cloud")
	wp.workers[inst.ID] = &vm{
		instanceID: inst.ID,
		ip:         inst.PublicIP,
		launchedAt: now,
		lastSeen:   now,
	}
}

// remove drops a record and clears protection if it pointed there.
// Caller must have lock.
func (wp *Pool) remove(id cloud.InstanceID) {
	delete(wp.workers, id)
	if wp.protected == id {
		wp.protected = ""
	}
}

// applyProbe folds one status probe result into the registry. Caller
// must have lock.
func (wp *Pool) applyProbe(res probeResult) {
	wkr, ok := wp.workers[res.instanceID]
	if !ok {
		return
	}
	if res.err != nil {
		wkr.unreachableCount++
		wp.logger.WithFields(logrus.Fields{
			"Instance":         res.instanceID,
			"UnreachableCount": wkr.unreachableCount,
		}).WithError(res.err).Warn("status probe failed")
		return
	}
	wkr.matchCount = res.count
	wkr.unreachableCount = 0
	wkr.lastSeen = time.Now()
}

// probeAll probes every VM in the given snapshot in parallel and
// returns the results. No locks held during I/O.
func (wp *Pool) probeAll(ctx context.Context, views []VMView) []probeResult {
	results := make([]probeResult, len(views))
	var wg sync.WaitGroup
	for i, view := range views {
		wg.Add(1)
		go func(i int, view VMView) {
			defer wg.Done()
			n, err := wp.agent.Status(ctx, view.IP)
			results[i] = probeResult{instanceID: view.InstanceID, count: n, err: err}
		}(i, view)
	}
	wg.Wait()
	return results
}

// GetAvailableVM picks the VM that should host the next match:
// lowest match count, then least recently seen. All VMs are probed
// first so the decision uses fresh counts. If nothing has a free
// slot, a launch is attempted. The second return value is false if no
// VM is available and none could be launched.
func (wp *Pool) GetAvailableVM(ctx context.Context) (VMView, bool) {
	wp.setupOnce.Do(wp.setup)
	views := wp.snapshot()
	results := wp.probeAll(ctx, views)
	wp.mtx.Lock()
	for _, res := range results {
		wp.applyProbe(res)
	}
	var candidates []*vm
	for _, wkr := range wp.workers {
		if wkr.matchCount < wp.fullMatchLimit && wkr.unreachableCount == 0 {
			candidates = append(candidates, wkr)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].matchCount != candidates[j].matchCount {
			return candidates[i].matchCount < candidates[j].matchCount
		}
		if !candidates[i].lastSeen.Equal(candidates[j].lastSeen) {
			return candidates[i].lastSeen.Before(candidates[j].lastSeen)
		}
		return candidates[i].instanceID < candidates[j].instanceID
	})
	if len(candidates) > 0 {
		view := candidates[0].view()
		wp.mtx.Unlock()
		return view, true
	}
	wp.mtx.Unlock()

	wp.logger.Info("no VM has a free slot; trying to launch one")
	if launched := wp.LaunchBackupVM(ctx); launched != nil {
		return *launched, true
	}
	return VMView{}, false
}

// nextVMName returns the template name prefix plus a monotonic
// timestamp suffix. Caller must not have lock.
func (wp *Pool) nextVMName() string {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	stamp := time.Now().UnixNano()
	if stamp <= wp.lastNameStamp {
		stamp = wp.lastNameStamp + 1
	}
	wp.lastNameStamp = stamp
	return wp.template.NamePrefix + strconv.FormatInt(stamp, 10)
}

// LaunchBackupVM launches one VM and waits for it to acquire a public
// IP, then registers and returns it. At most one launch runs at a
// time; concurrent callers (and callers arriving at the pool ceiling)
// get nil immediately. Returns nil on any failure; a poll timeout
// also requests best-effort termination of the stuck instance.
func (wp *Pool) LaunchBackupVM(ctx context.Context) *VMView {
	wp.setupOnce.Do(wp.setup)
	wp.mtx.Lock()
	if wp.launching || len(wp.workers) >= wp.maxBackupVMs {
		wp.mtx.Unlock()
		return nil
	}
	wp.launching = true
	wp.mtx.Unlock()
	defer func() {
		wp.mtx.Lock()
		wp.launching = false
		wp.mtx.Unlock()
	}()

	name := wp.nextVMName()
	logger := wp.logger.WithField("InstanceName", name)

	cctx, cancel := context.WithTimeout(ctx, cloudOpTimeout)
	id, err := wp.instanceSet.Create(cctx, wp.template, name)
	cancel()
	if err != nil {
		logger.WithError(err).Error("create failed")
		wp.mLaunchFails.Inc()
		return nil
	}
	logger = logger.WithField("Instance", id)
	logger.Info("instance created, waiting for it to run")

	for i := 0; i < wp.maxPollAttempts; i++ {
		delay := wp.pollDelayBase + time.Duration(i)*wp.pollDelayStep
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			i = wp.maxPollAttempts // give up, terminate below
		case <-wp.stop:
			i = wp.maxPollAttempts
		}
		if i >= wp.maxPollAttempts {
			break
		}
		cctx, cancel := context.WithTimeout(ctx, cloudOpTimeout)
		instances, err := wp.instanceSet.Instances(cctx)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("error polling new instance")
			continue
		}
		for _, inst := range instances {
			if inst.ID != id || inst.State != cloud.StateRunning || inst.PublicIP == "" {
				continue
			}
			wp.mtx.Lock()
			wp.upsertFromCloud(inst)
			if wp.protected == "" {
				wp.protected = id
			}
			view := wp.workers[id].view()
			wp.mtx.Unlock()
			wp.mLaunches.Inc()
			wp.updateMetrics()
			logger.WithField("IP", inst.PublicIP).Info("instance is running")
			return &view
		}
	}

	logger.Warn("instance did not become reachable in time; terminating")
	wp.mLaunchFails.Inc()
	cctx, cancel = context.WithTimeout(context.Background(), cloudOpTimeout)
	defer cancel()
	if err := wp.instanceSet.Terminate(cctx, []cloud.InstanceID{id}); err != nil {
		logger.WithError(err).Warn("error terminating unreachable new instance")
	}
	wp.mTerminations.WithLabelValues("launch-timeout").Inc()
	return nil
}

func (wp *Pool) runUpdates() {
	// reconcile once immediately, then wait updateInterval,
	// reconcile again, etc.
	timer := time.NewTimer(1)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			select {
			case wp.updating <- struct{}{}:
				wp.updateVMs(wp.ctx)
				<-wp.updating
			default:
				wp.logger.Warn("previous reconcile still running; skipping tick")
			}
			timer.Reset(wp.updateInterval)
		case <-wp.stop:
			wp.logger.Debug("worker.Pool stopped")
			return
		case <-wp.ctx.Done():
			return
		}
	}
}

// updateVMs is one reconcile tick: cloud sync, health refresh and
// terminations, pool top-up, low-capacity scale-up, protection
// maintenance. Errors in one phase are logged and do not stop later
// phases.
func (wp *Pool) updateVMs(ctx context.Context) {
	wp.setupOnce.Do(wp.setup)
	wp.syncWithCloud(ctx)
	wp.refreshHealth(ctx)

	// At most one top-up launch per tick; later ticks close any
	// remaining gap to the floor.
	wp.mtx.RLock()
	short := len(wp.workers) < wp.minBackupVMs
	wp.mtx.RUnlock()
	if short {
		wp.LaunchBackupVM(ctx)
	}

	// Free slots are counted after the top-up so a VM launched for
	// the pool floor also counts toward capacity headroom.
	wp.mtx.RLock()
	var freeSlots int
	for _, wkr := range wp.workers {
		if wkr.unreachableCount == 0 {
			freeSlots += wkr.freeSlots(wp.fullMatchLimit)
		}
	}
	needScaleUp := freeSlots <= wp.nearCapacity && len(wp.workers) < wp.maxBackupVMs
	wp.mtx.RUnlock()
	if needScaleUp {
		wp.logger.WithField("FreeSlots", freeSlots).Info("free capacity low; launching")
		wp.LaunchBackupVM(ctx)
	}

	wp.updateProtection()
	wp.updateMetrics()
}

// syncWithCloud reconciles the registry against the provider's
// instance list. A describe failure aborts only this phase.
func (wp *Pool) syncWithCloud(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, cloudOpTimeout)
	instances, err := wp.instanceSet.Instances(cctx)
	cancel()
	if err != nil {
		if cloud.IsTransient(err) {
			wp.logger.WithError(err).Warn("error listing instances; will retry next tick")
		} else {
			wp.logger.WithError(err).Error("error listing instances")
		}
		return
	}
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	running := map[cloud.InstanceID]bool{}
	for _, inst := range instances {
		if inst.State != cloud.StateRunning {
			continue
		}
		running[inst.ID] = true
		wp.upsertFromCloud(inst)
	}
	for id, wkr := range wp.workers {
		if !running[id] {
			wp.logger.WithFields(logrus.Fields{
				"Instance": id,
				"IP":       wkr.ip,
			}).Info("instance disappeared in cloud")
			wp.remove(id)
		}
	}
	wp.loaded = true
}

// refreshHealth probes every VM, applies the results, and terminates
// VMs that are persistently unreachable or idle past the age
// threshold. All idle and unreachable terminations for the tick happen
// here, serialized into one cloud call.
func (wp *Pool) refreshHealth(ctx context.Context) {
	views := wp.snapshot()
	results := wp.probeAll(ctx, views)

	var doomed []cloud.InstanceID
	wp.mtx.Lock()
	for _, res := range results {
		wp.applyProbe(res)
	}
	poolSize := len(wp.workers)
	for _, res := range results {
		wkr, ok := wp.workers[res.instanceID]
		if !ok {
			continue
		}
		if poolSize-len(doomed) <= wp.minBackupVMs {
			break
		}
		if wkr.instanceID == wp.protected || time.Since(wkr.launchedAt) < wp.vmAgeTerminate {
			continue
		}
		var reason string
		switch {
		case wkr.unreachableCount >= wp.unreachableThreshold:
			reason = "unreachable"
		case res.err == nil && wkr.matchCount == 0:
			reason = "idle"
		default:
			continue
		}
		wp.logger.WithFields(logrus.Fields{
			"Instance":         wkr.instanceID,
			"IP":               wkr.ip,
			"Age":              time.Since(wkr.launchedAt),
			"UnreachableCount": wkr.unreachableCount,
		}).Infof("terminating %s instance", reason)
		wp.mTerminations.WithLabelValues(reason).Inc()
		doomed = append(doomed, wkr.instanceID)
	}
	wp.mtx.Unlock()

	if len(doomed) > 0 {
		cctx, cancel := context.WithTimeout(ctx, cloudOpTimeout)
		err := wp.instanceSet.Terminate(cctx, doomed)
		cancel()
		if err != nil {
			wp.logger.WithError(err).Warn("error terminating instances")
		}
		wp.mtx.Lock()
		for _, id := range doomed {
			wp.remove(id)
		}
		wp.mtx.Unlock()
	}
}

// updateProtection keeps exactly one VM protected while the pool is
// non-empty: the oldest VM by default, rotating away from a VM that
// has not been seen for protectRotate.
func (wp *Pool) updateProtection() {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if wp.protected != "" {
		if _, ok := wp.workers[wp.protected]; !ok {
			wp.protected = ""
		}
	}
	oldest := func(skip cloud.InstanceID) cloud.InstanceID {
		var best *vm
		for _, wkr := range wp.workers {
			if wkr.instanceID == skip {
				continue
			}
			if best == nil || wkr.launchedAt.Before(best.launchedAt) ||
				(wkr.launchedAt.Equal(best.launchedAt) && wkr.instanceID < best.instanceID) {
				best = wkr
			}
		}
		if best == nil {
			return ""
		}
		return best.instanceID
	}
	if wp.protected == "" {
		wp.protected = oldest("")
		if wp.protected != "" {
			wp.logger.WithField("Instance", wp.protected).Info("protected VM selected")
		}
		return
	}
	wkr := wp.workers[wp.protected]
	if time.Since(wkr.lastSeen) > wp.protectRotate {
		if next := oldest(wp.protected); next != "" {
			wp.logger.WithFields(logrus.Fields{
				"Instance":     next,
				"WasProtected": wp.protected,
			}).Info("rotating protected VM away from idle instance")
			wp.protected = next
		}
	}
}
