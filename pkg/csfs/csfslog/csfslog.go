// Package csfslog adapts the vorteil CLI logger (pkg/elog) to csfs's
// needs: a small Logger interface backed by logrus, with colorized level
// tags for interactive terminals.
package csfslog

import (
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the logging surface csfs.Volume depends on.
type Logger interface {
	Debugf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Errorf(format string, x ...interface{})
}

// CLI logs through logrus, optionally with colorized level tags.
type CLI struct {
	Debug         bool
	DisableColors bool

	progress *mpb.Progress
}

func (log *CLI) tag(label string, c *color.Color) string {
	if log.DisableColors {
		return label
	}
	return c.Sprint(label)
}

// Debugf logs at trace level, gated by Debug (mirrors elog.CLI.Debugf's
// gating of verbose output behind an explicit flag rather than logrus's
// own level filter).
func (log *CLI) Debugf(format string, x ...interface{}) {
	if !log.Debug {
		return
	}
	logrus.Tracef(log.tag("[csfs] ", color.New(color.FgCyan))+format, x...)
}

// Infof logs at debug level.
func (log *CLI) Infof(format string, x ...interface{}) {
	logrus.Debugf(log.tag("[csfs] ", color.New(color.FgGreen))+format, x...)
}

// Errorf logs at error level.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(log.tag("[csfs] ", color.New(color.FgRed))+format, x...)
}

// New returns a CLI logger with the given verbosity.
func New(debug bool) *CLI {
	return &CLI{Debug: debug}
}

// ProgressBar tracks a single long-running byte-counted operation (mkfs
// zero-filling a fresh image), a thin wrapper around an mpb bar.
type ProgressBar struct {
	container *mpb.Progress
	bar       *mpb.Bar
}

// NewProgress starts a progress bar labeled label tracking up to total
// units of work.
func (log *CLI) NewProgress(label string, total int64) *ProgressBar {
	if log.progress == nil {
		log.progress = mpb.New(mpb.WithWidth(80))
	}
	bar := log.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
		),
		mpb.AppendDecorators(decor.Counters(decor.UnitKiB, "% .1f / % .1f")),
	)
	return &ProgressBar{container: log.progress, bar: bar}
}

// Increment advances the bar by n units.
func (p *ProgressBar) Increment(n int64) {
	if p == nil {
		return
	}
	p.bar.IncrInt64(n)
}

// Wait blocks until the bar's container finishes rendering every bar it
// holds; mpb exposes completion on the container, not on individual
// bars.
func (p *ProgressBar) Wait() {
	if p == nil {
		return
	}
	p.container.Wait()
}
