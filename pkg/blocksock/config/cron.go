package config

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type CronDefinition struct {
	Name     string             `hcl:",label"`
	Timezone string             `hcl:"timezone,optional"`
	At       []CronAtDefinition `hcl:"at,block"`
	DefRange hcl.Range          `hcl:",def_range"`
}

type CronAtDefinition struct {
	Schedule string         `hcl:"schedule,label"`
	Name     string         `hcl:"name,label"`
	Action   hcl.Expression `hcl:"action"`
	DefRange hcl.Range      `hcl:",def_range"`
}

type CronBlockHandler struct {
	BlockHandlerBase
}

func NewCronBlockHandler() *CronBlockHandler {
	return &CronBlockHandler{}
}

func (h *CronBlockHandler) Process(config *Config, block *hcl.Block) hcl.Diagnostics {
	cronDef := CronDefinition{}
	diags := gohcl.DecodeBody(block.Body, config.evalCtx, &cronDef)
	if diags.HasErrors() {
		return diags
	}
	cronDef.Name = block.Labels[0]
	cronDef.DefRange = block.DefRange

	if _, exists := config.Crons[cronDef.Name]; exists {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate cron block",
			Detail:   fmt.Sprintf("Cron %s is already defined", cronDef.Name),
			Subject:  &block.DefRange,
		})
	}

	cronObj, addDiags := h.BuildCron(config, &cronDef)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return diags
	}

	config.Crons[cronDef.Name] = cronObj
	config.Startables = append(config.Startables, &cronRunner{cron: cronObj})

	return diags
}

func (h *CronBlockHandler) BuildCron(config *Config, cronDef *CronDefinition) (*cron.Cron, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	cronParser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	if cronDef.Timezone == "" {
		cronDef.Timezone = "Local"
	}

	location, err := time.LoadLocation(cronDef.Timezone)
	if err != nil {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid timezone",
			Detail:   fmt.Sprintf("Invalid timezone: %s", cronDef.Timezone),
			Subject:  &cronDef.DefRange,
		})
	}

	cronObj := cron.New(
		cron.WithLogger(NewZapCronLogger(config.Logger)),
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)

	for _, atBlock := range cronDef.At {
		atAction := &AtAction{
			config:   config,
			action:   atBlock.Action,
			cronName: cronDef.Name,
			atName:   atBlock.Name,
		}

		if _, err := cronObj.AddJob(atBlock.Schedule, atAction); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid schedule",
				Detail:   fmt.Sprintf("Schedule %q of %s: %s", atBlock.Schedule, atBlock.Name, err),
				Subject:  &atBlock.DefRange,
			})
		}
	}

	return cronObj, diags
}

// cronRunner starts and stops a schedule along with the config.
type cronRunner struct {
	cron *cron.Cron
}

func (r *cronRunner) Start() error {
	r.cron.Start()
	return nil
}

func (r *cronRunner) Stop() error {
	<-r.cron.Stop().Done()
	return nil
}

// AtAction runs a scheduled action on the script goroutine so it never
// overlaps a hat script.
type AtAction struct {
	config   *Config
	action   hcl.Expression
	cronName string
	atName   string
}

func (a *AtAction) Run() {
	a.config.Logger.Debug("Executing action", zap.String("cron", a.cronName), zap.String("at", a.atName))

	err := a.config.Runtime.Do(context.Background(), func(ctx context.Context) error {
		evalCtx := NewContext(ctx).
			WithStringAttribute("cron_name", a.cronName).
			WithStringAttribute("at_name", a.atName).
			BuildEvalContext(a.config.evalCtx)

		value, diags := a.action.Value(evalCtx)
		if diags.HasErrors() {
			return diags
		}

		a.config.Logger.Debug("Action executed", zap.String("cron", a.cronName), zap.String("at", a.atName), zap.String("result", formatResult(value)))
		return nil
	})
	if err != nil {
		a.config.Logger.Error("Error executing action", zap.String("cron", a.cronName), zap.String("at", a.atName), zap.Error(err))
	}
}

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

// Info logs at debug level; cron reports every wakeup through it.
func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, keyValueFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]zap.Field{zap.Error(err)}, keyValueFields(keysAndValues)...)
	z.logger.Error(msg, fields...)
}

func keyValueFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
