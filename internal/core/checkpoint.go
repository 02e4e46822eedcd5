package core

import (
	"context"
	"sync"
	"time"

	"drive-service/internal/logger"
	"drive-service/internal/types"
)

const (
	persistQueueSize = 64
	persistTimeout   = 10 * time.Second
	finalizeRetry    = 30 * time.Second
)

type persistOp int

const (
	opCreate persistOp = iota
	opCheckpoint
	opFinalize
	opAdopt
)

func (o persistOp) String() string {
	switch o {
	case opCreate:
		return "create"
	case opCheckpoint:
		return "checkpoint"
	case opFinalize:
		return "finalize"
	case opAdopt:
		return "adopt"
	}
	return "unknown"
}

type persistJob struct {
	op     persistOp
	drive  *types.Drive
	id     string
	synced int
}

// checkpointer runs every gateway write on one goroutine, in submission order,
// so a slow database never blocks the detector. It remembers how many points
// of each drive are stored; a failed write leaves that count alone and the
// next checkpoint or the finalize retries from there.
type checkpointer struct {
	gateway DriveGateway
	logger  *logger.Logger
	retry   time.Duration

	jobs chan persistJob
	done chan struct{}
	once sync.Once

	// Owned by the worker goroutine.
	ctx     context.Context
	created map[string]bool
	synced  map[string]int
	pending map[string]*types.Drive
}

func newCheckpointer(gateway DriveGateway, l *logger.Logger) *checkpointer {
	return &checkpointer{
		gateway: gateway,
		logger:  l,
		retry:   finalizeRetry,
		jobs:    make(chan persistJob, persistQueueSize),
		done:    make(chan struct{}),
		created: make(map[string]bool),
		synced:  make(map[string]int),
		pending: make(map[string]*types.Drive),
	}
}

func (c *checkpointer) start(ctx context.Context) {
	c.ctx = ctx
	go c.run()
}

// stop drains queued work and waits for the worker. Callers must not submit
// after stop.
func (c *checkpointer) stop() {
	c.once.Do(func() {
		close(c.jobs)
		select {
		case <-c.done:
		case <-time.After(2 * persistTimeout):
			c.logger.Warnf("Timeout waiting for persistence worker")
		}
	})
}

func (c *checkpointer) create(drive *types.Drive) {
	c.submit(persistJob{op: opCreate, drive: drive}, true)
}

// checkpoint may be dropped when the queue is full; the points stay in memory
// and go out with the next checkpoint or the finalize.
func (c *checkpointer) checkpoint(drive *types.Drive) {
	c.submit(persistJob{op: opCheckpoint, drive: drive}, false)
}

func (c *checkpointer) finalize(drive *types.Drive) {
	c.submit(persistJob{op: opFinalize, drive: drive}, true)
}

// adopt records a drive that already exists in storage with synced points.
func (c *checkpointer) adopt(id string, synced int) {
	c.submit(persistJob{op: opAdopt, id: id, synced: synced}, true)
}

func (c *checkpointer) submit(job persistJob, wait bool) {
	if wait {
		c.jobs <- job
		return
	}
	select {
	case c.jobs <- job:
	default:
		c.logger.Warnf("Persistence queue full, skipping %s", job.op)
	}
}

func (c *checkpointer) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.retry)
	defer ticker.Stop()

	for {
		select {
		case job, ok := <-c.jobs:
			if !ok {
				c.retryPending()
				return
			}
			c.process(job)
		case <-ticker.C:
			c.retryPending()
		}
	}
}

func (c *checkpointer) process(job persistJob) {
	if job.op == opAdopt {
		c.created[job.id] = true
		c.synced[job.id] = job.synced
		return
	}
	if c.gateway == nil {
		return
	}

	switch job.op {
	case opCreate:
		c.ensureCreated(job.drive)
	case opCheckpoint:
		if c.ensureCreated(job.drive) {
			c.flushPoints(job.drive)
		}
	case opFinalize:
		c.finalizeDrive(job.drive)
	}
}

func (c *checkpointer) ensureCreated(drive *types.Drive) bool {
	if c.created[drive.ID] {
		return true
	}
	ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	defer cancel()

	if err := c.gateway.CreateDrive(ctx, drive); err != nil {
		c.logger.Warnf("Failed to create drive %s: %v", drive.ID, err)
		return false
	}
	c.created[drive.ID] = true
	c.logger.Debugf("Created drive %s", drive.ID)
	return true
}

func (c *checkpointer) flushPoints(drive *types.Drive) bool {
	from := c.synced[drive.ID]
	if from >= len(drive.Points) {
		return true
	}
	ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	defer cancel()

	if err := c.gateway.Checkpoint(ctx, drive, from); err != nil {
		c.logger.Warnf("Failed to checkpoint drive %s from point %d: %v", drive.ID, from, err)
		return false
	}
	c.synced[drive.ID] = len(drive.Points)
	c.logger.Debugf("Checkpointed drive %s: %d points stored", drive.ID, len(drive.Points))
	return true
}

func (c *checkpointer) finalizeDrive(drive *types.Drive) {
	if !c.ensureCreated(drive) || !c.flushPoints(drive) {
		c.pending[drive.ID] = drive
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	defer cancel()

	if err := c.gateway.Finalize(ctx, drive); err != nil {
		c.logger.Warnf("Failed to finalize drive %s, will retry: %v", drive.ID, err)
		c.pending[drive.ID] = drive
		return
	}
	delete(c.pending, drive.ID)
	delete(c.created, drive.ID)
	delete(c.synced, drive.ID)
	c.logger.Infof("Finalized drive %s", drive.ID)
}

func (c *checkpointer) retryPending() {
	for _, drive := range c.pending {
		c.finalizeDrive(drive)
	}
}
