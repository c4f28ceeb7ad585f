package client

import (
	"context"
	"errors"
	"time"

	"tbx.at/ccoffload/service"
)

// Record summarizes the finished invocation for the stats database and
// the Pushgateway.
func (o *Orchestrator) Record(outcome Outcome) service.InvocationRecord {
	inv := o.invocation
	record := service.InvocationRecord{
		ID:         inv.ID,
		Started:    inv.Started,
		Duration:   time.Since(inv.Started),
		ClientName: o.config.Name,
		Compiler:   inv.Compiler.Path,
		Mode:       outcome.Mode.String(),
		ExitCode:   outcome.ExitCode,
	}
	if inv.Args != nil {
		record.SourceFile = inv.Args.SourceFile
	}
	if outcome.Reason != nil {
		record.Reason = outcome.Reason.Error()
	}
	if result := o.Preprocessed(); result != nil {
		record.PreprocessDuration = result.Duration
		record.PreprocessSlotWait = result.SlotDuration
	}
	if o.watchdog != nil {
		timings := o.watchdog.Timings()
		for i := 1; i < len(timings); i++ {
			record.Stages = append(record.Stages, service.StageTiming{
				Stage:      timings[i].Stage.String(),
				Elapsed:    timings[i].At.Sub(timings[i-1].At),
				SinceStart: timings[i].At.Sub(inv.Started),
			})
		}
	}
	return record
}

// Report logs where the time went. It is logged at warn so that it shows
// up at every level but silent.
func (o *Orchestrator) Report(record service.InvocationRecord) {
	args := []interface{}{
		"mode", record.Mode,
		"exit_code", record.ExitCode,
		"duration", record.Duration,
		"preprocess", record.PreprocessDuration,
		"preprocess_slot", record.PreprocessSlotWait,
	}
	if record.Reason != "" {
		args = append(args, "reason", record.Reason)
	}
	for _, stage := range record.Stages {
		args = append(args, stage.Stage, stage.Elapsed.String()+" ("+stage.SinceStart.String()+")")
	}
	o.logger.Warn("timings", args...)
}

// Persist stores record in whichever of the stats database and the
// Pushgateway is configured. Failures are only logged.
func (o *Orchestrator) Persist(ctx context.Context, record service.InvocationRecord) error {
	var errs []error
	if o.services.Stats != nil {
		if err := o.services.Stats.Record(ctx, record); err != nil {
			o.logger.Warn("failed to record stats", "error", err)
			errs = append(errs, err)
		}
	}
	if o.services.Metrics != nil {
		if err := o.services.Metrics.Push(ctx, record); err != nil {
			o.logger.Warn("failed to push metrics", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
