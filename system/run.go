package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"safertos/hal"
	"safertos/kernel"
)

func (s *System) period(k *kernel.Kernel) (time.Duration, error) {
	return hal.PeriodFromMs(k.Config().TickPeriodMs)
}

func (s *System) haltError() error {
	if info, ok := s.HaltInfo(); ok {
		return fmt.Errorf("core %d: %s: %w", info.Core, info.Reason, kernel.ErrHalted)
	}
	return kernel.ErrHalted
}

// Run drives every active core from its own host timer until ctx is done or
// each core has seen ticks timer interrupts (zero means no limit). Interrupts
// raised by other cores are serviced as soon as they arrive, also on cores
// that only receive notification callbacks. A halt stops all cores and is
// returned as an error wrapping kernel.ErrHalted; cancellation of ctx is not
// an error.
func (s *System) Run(ctx context.Context, ticks uint64) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	g, gctx := errgroup.WithContext(ctx)
	isrCtx, stopISR := context.WithCancel(gctx)
	defer stopISR()
	var isr errgroup.Group
	for i, k := range s.kernels {
		k := k
		if s.Serviced(kernel.CoreID(i)) {
			isr.Go(func() error { return s.service(isrCtx, k) })
			continue
		}
		if !s.active[i] {
			continue
		}
		period, err := s.period(k)
		if err != nil {
			stopISR()
			_ = isr.Wait()
			return err
		}
		g.Go(func() error {
			cctx, cancel := context.WithCancel(gctx)
			defer cancel()
			tm, err := hal.NewHostTimer(period)
			if err != nil {
				return err
			}
			go func() { _ = tm.Run(cctx) }()
			return s.drive(cctx, k, tm.Ticks(), ticks)
		})
	}
	err := g.Wait()
	stopISR()
	if ierr := isr.Wait(); err == nil {
		err = ierr
	}
	if s.Halted() {
		return s.haltError()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// service runs the notification callbacks of a core without scheduler until
// ctx is done.
func (s *System) service(ctx context.Context, k *kernel.Kernel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-k.Wake():
			if err := k.ServiceInterrupts(); err != nil {
				return err
			}
		}
	}
}

func (s *System) drive(ctx context.Context, k *kernel.Kernel, tick <-chan uint64, limit uint64) error {
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := k.Tick(); err != nil {
				return err
			}
			n++
			if limit > 0 && n >= limit {
				s.log.Debug("core done", zap.Uint8("core", uint8(k.ID())), zap.Uint64("ticks", n))
				return nil
			}
		case <-k.Wake():
			if err := k.Poll(); err != nil {
				return err
			}
		}
	}
}

// RunVirtual advances all active cores by d of simulated time. Timer
// interrupts are processed in time order, simultaneous ones by core index,
// and interrupts raised by a core are serviced on their target before the
// next timer interrupt. The result is the same on every run.
func (s *System) RunVirtual(d time.Duration) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	clock := hal.NewVirtualClock()
	for i, k := range s.kernels {
		if !s.active[i] {
			continue
		}
		k := k
		period, err := s.period(k)
		if err != nil {
			return err
		}
		if _, err := clock.Add(period, func() error {
			if err := k.Tick(); err != nil {
				return err
			}
			return s.pollWoken()
		}); err != nil {
			return err
		}
	}
	if err := clock.Advance(d); err != nil {
		if s.Halted() {
			return s.haltError()
		}
		return err
	}
	return nil
}

// pollWoken services the cores with freshly raised interrupts until none is
// left. Started cores dispatch, cores without scheduler run their ISRs only.
func (s *System) pollWoken() error {
	for again := true; again; {
		again = false
		for i, k := range s.kernels {
			if !s.active[i] && !s.Serviced(kernel.CoreID(i)) {
				continue
			}
			select {
			case <-k.Wake():
				if err := k.ServiceInterrupts(); err != nil {
					return err
				}
				again = true
			default:
			}
		}
	}
	return nil
}
