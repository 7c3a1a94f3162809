package executor

import "context"

// Lens is one of a fixed, deterministically-ordered catalog of analytical
// angles the multi-lens review fans its three opus calls across.
type Lens string

const (
	LensCorrectness     Lens = "correctness"
	LensSecurity        Lens = "security"
	LensMaintainability Lens = "maintainability"
	LensPerformance     Lens = "performance"
)

// lensCatalog is the fixed, deterministic rotation multi-lens review draws
// three lenses from. Deterministic so the same task always gets the same
// angles, not a random subset.
var lensCatalog = []Lens{LensCorrectness, LensSecurity, LensMaintainability, LensPerformance}

// PickLenses returns the first n lenses from the catalog, wrapping around
// if n exceeds its length (it never will at n=3).
func PickLenses(n int) []Lens {
	if n <= 0 {
		return nil
	}
	out := make([]Lens, n)
	for i := range out {
		out[i] = lensCatalog[i%len(lensCatalog)]
	}
	return out
}

// Insight is one lens reviewer's report back to the convergence check.
type Insight struct {
	Lens    Lens
	Content string
	Err     error
}

type insightRequest struct {
	lens       Lens
	responseCh chan Insight
}

// LensInsightFunc produces one lens's advisory insight, typically a
// single-turn Agent Invoker call framed by that lens's analytical angle.
type LensInsightFunc func(ctx context.Context, lens Lens) (string, error)

// LensChannel fans concurrent lens reviews through a buffered
// request/response pattern into a single convergence point, the same
// shape the orchestrator used for satellite agents to ask clarifying
// questions, generalized here from "question, answer" to "lens, insight".
type LensChannel struct {
	requestCh chan insightRequest
	insightFn LensInsightFunc
	done      chan struct{}
}

// NewLensChannel creates a channel with room for bufferSize concurrent
// in-flight lens requests and the function used to produce each insight.
func NewLensChannel(bufferSize int, insightFn LensInsightFunc) *LensChannel {
	return &LensChannel{
		requestCh: make(chan insightRequest, bufferSize),
		insightFn: insightFn,
		done:      make(chan struct{}),
	}
}

// Start launches the request handler goroutine; it runs until ctx is
// cancelled.
func (lc *LensChannel) Start(ctx context.Context) {
	go lc.handleRequests(ctx)
}

func (lc *LensChannel) handleRequests(ctx context.Context) {
	defer close(lc.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-lc.requestCh:
			content, err := lc.insightFn(ctx, req.lens)

			select {
			case <-ctx.Done():
				req.responseCh <- Insight{Lens: req.lens, Err: ctx.Err()}
				return
			default:
				req.responseCh <- Insight{Lens: req.lens, Content: content, Err: err}
			}
		}
	}
}

// Ask requests a single lens's insight and blocks until it arrives or ctx
// is cancelled.
func (lc *LensChannel) Ask(ctx context.Context, lens Lens) (Insight, error) {
	responseCh := make(chan Insight, 1)
	req := insightRequest{lens: lens, responseCh: responseCh}

	select {
	case lc.requestCh <- req:
	case <-ctx.Done():
		return Insight{}, ctx.Err()
	}

	select {
	case insight := <-responseCh:
		return insight, insight.Err
	case <-ctx.Done():
		return Insight{}, ctx.Err()
	}
}

// AskAll fans out one request per lens concurrently and collects every
// insight, in lens order, before returning.
func (lc *LensChannel) AskAll(ctx context.Context, lenses []Lens) []Insight {
	results := make([]Insight, len(lenses))
	resultCh := make(chan struct {
		idx     int
		insight Insight
	}, len(lenses))

	for i, lens := range lenses {
		go func(idx int, l Lens) {
			insight, _ := lc.Ask(ctx, l)
			resultCh <- struct {
				idx     int
				insight Insight
			}{idx, insight}
		}(i, lens)
	}

	for range lenses {
		r := <-resultCh
		results[r.idx] = r.insight
	}
	return results
}

// Stop blocks until the handler goroutine has exited.
func (lc *LensChannel) Stop() {
	<-lc.done
}
