package main

import (
	"io"

	"github.com/schollz/progressbar/v3"

	"gnas/internal/evo"
)

// sweepProgress draws one bar per training or validation sweep.
type sweepProgress struct {
	out   io.Writer
	phase string
	total int
	bar   *progressbar.ProgressBar
}

func newSweepProgress(out io.Writer) *sweepProgress {
	return &sweepProgress{out: out}
}

func (p *sweepProgress) update(phase string, done, total int) {
	if p.bar == nil || phase != p.phase || total != p.total || done == 0 {
		p.finish()
		p.phase, p.total = phase, total
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription(phase),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString(itsString(phase)),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(p.out),
		)
	}
	_ = p.bar.Set(done)
	if done >= total {
		p.finish()
	}
}

func (p *sweepProgress) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	_, _ = io.WriteString(p.out, "\n")
	p.bar = nil
}

func itsString(phase string) string {
	if phase == evo.PhaseTrain {
		return "steps"
	}
	return "evals"
}
