package downloader

type progressReporter struct {
	pr    ProgressRange
	total int64
	fn    ProgressFunc
	last  int
}

func newProgressReporter(pr ProgressRange, total int64, fn ProgressFunc) *progressReporter {
	if pr.To < pr.From {
		pr.From, pr.To = pr.To, pr.From
	}
	return &progressReporter{pr: pr, total: total, fn: fn, last: -1}
}

func (p *progressReporter) update(written int64) {
	if p.fn == nil || p.total <= 0 {
		return
	}
	if written > p.total {
		written = p.total
	}
	p.emit(p.pr.From + int(int64(p.pr.To-p.pr.From)*written/p.total))
}

func (p *progressReporter) finish() {
	if p.fn == nil {
		return
	}
	p.emit(p.pr.To)
}

func (p *progressReporter) emit(percent int) {
	if percent <= p.last {
		return
	}
	p.last = percent
	p.fn(percent)
}
