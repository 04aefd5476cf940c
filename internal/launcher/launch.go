package launcher

import (
	"context"
	"fmt"

	"github.com/packsmith/packctl/internal/integrity"
)

// VerifyAndLaunch verifies the instance against a freshly resolved
// descriptor and starts the game only when the report is clean. The report
// is returned either way so the caller can show the issues and offer repair.
func (c *Context) VerifyAndLaunch(ctx context.Context, id string) (*integrity.Report, error) {
	if err := c.locks.acquire(id); err != nil {
		return nil, err
	}
	defer c.locks.release(id)

	desc, err := c.Resolver.Resolve(ctx, id)
	if err != nil {
		return nil, c.classified(ctx, fmt.Errorf("resolve modpack %s: %w", id, err))
	}

	report, err := c.Verifier.Verify(ctx, id, desc)
	if err != nil {
		return nil, c.classified(ctx, err)
	}
	if !report.Valid {
		c.logger.Warn("refusing to launch", "instance", id, "issues", len(report.Issues))
		return report, ErrLaunchBlocked
	}

	if c.runtime == nil {
		return report, fmt.Errorf("no game runtime configured")
	}
	inst, err := c.Store.GetInstance(id)
	if err != nil {
		return report, fmt.Errorf("load instance %s: %w", id, err)
	}
	if err := c.runtime.Launch(ctx, inst, c.Config.InstanceDir(id)); err != nil {
		return report, c.classified(ctx, fmt.Errorf("launch instance %s: %w", id, err))
	}
	return report, nil
}
