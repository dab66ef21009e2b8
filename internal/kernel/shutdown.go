package kernel

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/taskmgr"
	"github.com/codefionn/schnellkernel/internal/wire"
)

// Shutdown stops the kernel in order: dispatchers stop accepting, the IOPub
// queue is flushed, the sockets are closed, then outstanding tasks are
// drained or cancelled per the shutdown policy. It is safe to call twice.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.stopOnce.Do(func() {
		k.stopErr = k.shutdown(ctx)
	})
	return k.stopErr
}

func (k *Kernel) shutdown(ctx context.Context) error {
	var errs []error

	for _, d := range k.dispatchers {
		d.Close()
	}
	if k.policy == taskmgr.PolicyCancel {
		k.tasks.AbortQueued("kernel is shutting down")
		k.tasks.CancelRunning()
	}
	graceCtx, cancel := context.WithTimeout(ctx, k.cfg.ShutdownGrace())
	for _, d := range k.dispatchers {
		if err := d.Wait(graceCtx); err != nil {
			k.log.Warn("Replies still pending at shutdown: %v", err)
			break
		}
	}
	cancel()

	if err := k.stopWorkers(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := k.tasks.Shutdown(ctx, k.policy); err != nil {
		errs = append(errs, fmt.Errorf("task manager: %w", err))
	}
	if err := k.system.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("actors: %w", err))
	}
	if k.diag != nil {
		if err := k.diag.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("diagnostics: %w", err))
		}
	}
	if k.history != nil {
		if err := k.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	if k.cancel != nil {
		k.cancel()
	}
	k.key.Destroy()

	if err := errors.Join(errs...); err != nil {
		k.log.Error("Shutdown finished with errors: %v", err)
		return err
	}
	k.log.Info("Kernel stopped")
	return nil
}

// stopWorkers flushes IOPub first so the final idle status reaches
// subscribers, then closes the remaining sockets concurrently.
func (k *Kernel) stopWorkers(ctx context.Context) error {
	var iopub error
	for _, w := range k.workers {
		if w.Channel() == wire.IOPub {
			k.relay.Unregister(relay.Outbound(w.Channel()))
			iopub = w.Stop(ctx)
		}
	}

	var g errgroup.Group
	for _, w := range k.workers {
		if w.Channel() == wire.IOPub {
			continue
		}
		w := w
		g.Go(func() error {
			k.relay.Unregister(relay.Outbound(w.Channel()))
			return w.Stop(ctx)
		})
	}
	return errors.Join(iopub, g.Wait())
}
