package blockjob

import (
	"context"
	"fmt"

	"github.com/blockplane/blockplane/internal/attach"
	"github.com/blockplane/blockplane/internal/backend"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/qjson"
)

// CreateSource allocates and formats a new image described by src and
// leaves it attached to the VM as if it had existed all along. Storage
// allocation and formatting are separate awaited create jobs; between
// them the storage node is attached so the format job can address it.
// On failure everything attached so far is rolled back and, for a
// read-only image, the temporary write grant is withdrawn.
func (c *Controller) CreateSource(ctx context.Context, src, backing *chain.Source, data *attach.Data) error {
	if src.Slice != nil {
		return fmt.Errorf("cannot create an image restricted to a storage slice")
	}

	// Formatting writes to an image the VM will only read.
	granted := false
	if src.ReadOnly && c.access != nil {
		if err := c.access.Allow(ctx, src, false); err != nil {
			return err
		}
		granted = true
	}

	fail := func(err error) error {
		cleanupCtx := context.WithoutCancel(ctx)
		attach.Rollback(cleanupCtx, c.mon, data)
		if granted {
			if aerr := c.access.Allow(cleanupCtx, src, true); aerr != nil {
				c.log.WithError(aerr).WithField("path", src.Path).Warn("image left writable after failed create")
			}
		}
		return err
	}

	if err := attach.ApplyStorageDeps(ctx, c.mon, data); err != nil {
		return fail(err)
	}
	if err := attach.ApplyFormatDeps(ctx, c.mon, data); err != nil {
		return fail(err)
	}
	if err := c.createStorage(ctx, src); err != nil {
		return fail(err)
	}
	if err := attach.ApplyStorage(ctx, c.mon, data); err != nil {
		return fail(err)
	}
	if err := c.createFormat(ctx, src, backing); err != nil {
		return fail(err)
	}
	if granted {
		if err := c.access.Allow(ctx, src, true); err != nil {
			return fail(err)
		}
		granted = false
	}
	if err := attach.ApplyFormat(ctx, c.mon, data); err != nil {
		return fail(err)
	}
	return nil
}

func (c *Controller) createStorage(ctx context.Context, src *chain.Source) error {
	props, err := backend.CreateStorageProps(src)
	if err != nil {
		return err
	}
	if props == nil {
		// The storage exists already or sits outside the device
		// manager's reach; opening it will tell.
		return nil
	}
	return c.runCreateJob(ctx, src, props)
}

func (c *Controller) createFormat(ctx context.Context, src, backing *chain.Source) error {
	if src.Format == chain.FormatRaw && !src.IsLUKS() {
		// Raw bytes need no format pass.
		return nil
	}
	if src.DataFile != nil {
		return fmt.Errorf("cannot create an image with an external data file")
	}
	props, err := backend.CreateFormatProps(src, backing)
	if err != nil {
		return err
	}
	if props == nil {
		return fmt.Errorf("cannot create an image in format %q", src.Format)
	}
	return c.runCreateJob(ctx, src, props)
}

// runCreateJob starts one blockdev-create job and waits it out. The job
// is registered like any other so status queries see the format phase.
func (c *Controller) runCreateJob(ctx context.Context, src *chain.Source, props *qjson.Object) error {
	job := newJob(TypeCreate, c.vm, src.EffectiveNodename(), src)
	if err := c.mon.BlockdevCreate(ctx, job.Name, props); err != nil {
		return err
	}
	c.register(job)

	st, err := c.Wait(ctx, job)
	if err != nil {
		return err
	}
	switch st {
	case StateFailed:
		return fmt.Errorf("failed to format image: %s", job.Error)
	case StateCancelled:
		if job.Error == "" {
			return fmt.Errorf("image create job %s was cancelled", job.Name)
		}
		return fmt.Errorf("failed to format image: %s", job.Error)
	}
	return nil
}
