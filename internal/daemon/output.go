package daemon

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/buildrmi/internal/ref"
	"github.com/rs/zerolog/log"
)

// OutputSink receives daemon output lines, usually a client's terminal.
type OutputSink interface {
	WriteLine(ctx context.Context, line string) error
}

// Registration keeps a sink registered. Dropping every reference to it
// unregisters the sink as well, once the daemon side is collected.
type Registration interface {
	Close(ctx context.Context) error
}

// OutputController fans daemon output out to registered sinks. The daemon
// holds sinks only weakly; a registration lives as long as its token.
type OutputController interface {
	AddSink(ctx context.Context, sink OutputSink) (Registration, error)
	// Broadcast writes line to every live sink and returns how many
	// accepted it. Sinks that fail are unregistered.
	Broadcast(ctx context.Context, line string) (int, error)
}

type sinkEntry struct {
	id   uint64
	sink OutputSink
}

type outputController struct {
	sinks  *ref.WeakSet[sinkEntry]
	nextID atomic.Uint64
}

func newOutputController() *outputController {
	return &outputController{sinks: ref.NewWeakSet[sinkEntry]()}
}

func (o *outputController) AddSink(_ context.Context, sink OutputSink) (Registration, error) {
	entry := &sinkEntry{id: o.nextID.Add(1), sink: sink}
	tok := o.sinks.Add(entry)
	log.Debug().Uint64("sink", entry.id).Msg("output_sink_added")
	return &registration{owner: o, token: tok}, nil
}

func (o *outputController) Broadcast(ctx context.Context, line string) (int, error) {
	delivered := 0
	for _, e := range o.sinks.Live() {
		if err := e.sink.WriteLine(ctx, line); err != nil {
			log.Warn().Uint64("sink", e.id).Err(err).Msg("output_sink_dropped")
			o.sinks.Drop(e)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Sinks counts registrations that have not been collected yet.
func (o *outputController) Sinks() int {
	return len(o.sinks.Live())
}

type registration struct {
	owner *outputController
	token *ref.WeakReferencedToken[sinkEntry]
}

func (r *registration) Close(context.Context) error {
	r.owner.sinks.Remove(r.token)
	return nil
}
