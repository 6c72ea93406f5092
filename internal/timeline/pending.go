package timeline

import "context"

// Result describes the outcome of one integrated page.
type Result struct {
	// Inserted is the number of rows the page added, gap placeholders not
	// counted.
	Inserted int

	// GapID is the gap left open by the page, or 0.
	GapID int

	// RowCount is the window size after integration.
	RowCount int
}

// Pending is the future of a fetch started by a Feed.
type Pending struct {
	done chan struct{}
	res  Result
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func failed(err error) *Pending {
	p := newPending()
	p.finish(Result{}, err)
	return p
}

func (p *Pending) finish(res Result, err error) {
	p.res = res
	p.err = err
	close(p.done)
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is available or ctx is done. Cancelling ctx
// does not cancel the fetch.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
