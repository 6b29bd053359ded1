// Package pipeline assembles a tree of hubs from configuration, computes
// the matching batch reference and checks that both agree.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tathienbao/indicator-hub/internal/config"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Node is one built stage of a pipeline.
type Node struct {
	Config config.NodeConfig
	port   *port
}

// Name returns the configured node name.
func (n *Node) Name() string { return n.Config.Name }

// Label returns the hub name, e.g. "EMA(20)".
func (n *Node) Label() string { return n.port.values.Name() }

// Rows returns the node's current results.
func (n *Node) Rows() []series.Row { return n.port.rows() }

// Last returns the newest result.
func (n *Node) Last() (series.Row, bool) {
	rows := n.port.rows()
	if len(rows) == 0 {
		return nil, false
	}
	return rows[len(rows)-1], true
}

// Err returns the fault of the node's hub, if any.
func (n *Node) Err() error { return n.port.err() }

// Pipeline is a root quote hub and the nodes built on it.
type Pipeline struct {
	cfg    *config.Config
	root   *hub.QuoteHub[series.Quote]
	nodes  []*Node
	byName map[string]*port
	logger *slog.Logger
}

// New builds the root and every node, in the order they are configured.
// MaxCacheSize and Policy come from cfg; the logger and recorder from
// settings.
func New(cfg *config.Config, settings hub.Settings) (*Pipeline, error) {
	settings.MaxCacheSize = cfg.Source.MaxCacheSize
	settings.Policy = cfg.Policy()
	if settings.Logger == nil {
		settings.Logger = slog.Default()
	}

	root, err := hub.NewQuoteHub[series.Quote](cfg.Source.Name, settings)
	if err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}

	p := &Pipeline{
		cfg:  cfg,
		root: root,
		byName: map[string]*port{
			cfg.Source.Name: {
				values: hub.Reuse[series.Quote](root),
				quotes: root,
				rows:   func() []series.Row { return toRows(root.Results().Items()) },
				stop:   root.EndTransmission,
				err:    root.Err,
			},
		},
		logger: settings.Logger.With("component", "pipeline"),
	}

	for _, nc := range cfg.Nodes {
		in, ok := p.byName[nc.SourceName(cfg.Source.Name)]
		if !ok {
			p.Close()
			return nil, fmt.Errorf("%w: node %s: unknown source %q",
				series.ErrInvalidConfig, nc.Name, nc.SourceName(cfg.Source.Name))
		}
		if _, dup := p.byName[nc.Name]; dup {
			p.Close()
			return nil, fmt.Errorf("%w: duplicate node %s", series.ErrInvalidConfig, nc.Name)
		}

		out, err := subscribe(nc, in)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("build node %s: %w", nc.Name, err)
		}
		p.byName[nc.Name] = out
		p.nodes = append(p.nodes, &Node{Config: nc, port: out})
		p.logger.Debug("node built", "node", nc.Name, "hub", out.values.Name(), "source", in.values.Name())
	}

	return p, nil
}

// Root returns the quote hub every node hangs off.
func (p *Pipeline) Root() *hub.QuoteHub[series.Quote] {
	return p.root
}

// Nodes returns the nodes in build order.
func (p *Pipeline) Nodes() []*Node {
	return p.nodes
}

// Node looks a node up by name.
func (p *Pipeline) Node(name string) (*Node, bool) {
	for _, n := range p.nodes {
		if n.Name() == name {
			return n, true
		}
	}
	return nil, false
}

// Err joins the faults of the root and every node.
func (p *Pipeline) Err() error {
	var errs []error
	if err := p.root.Err(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", p.root.Name(), err))
	}
	for _, n := range p.nodes {
		if err := n.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close unsubscribes the nodes, newest first, and ends transmission.
func (p *Pipeline) Close() {
	for i := len(p.nodes) - 1; i >= 0; i-- {
		p.nodes[i].port.stop()
	}
	p.root.EndTransmission()
}

// Batch recomputes every node from scratch over quotes.
func Batch(cfg *config.Config, quotes []series.Quote) (map[string][]series.Row, error) {
	ports := map[string]*batchPort{cfg.Source.Name: fromQuotes(quotes)}
	out := map[string][]series.Row{cfg.Source.Name: ports[cfg.Source.Name].rows}

	for _, nc := range cfg.Nodes {
		in, ok := ports[nc.SourceName(cfg.Source.Name)]
		if !ok {
			return nil, fmt.Errorf("%w: node %s: unknown source %q",
				series.ErrInvalidConfig, nc.Name, nc.SourceName(cfg.Source.Name))
		}
		b, err := compute(nc, in)
		if err != nil {
			return nil, fmt.Errorf("compute node %s: %w", nc.Name, err)
		}
		ports[nc.Name] = b
		out[nc.Name] = b.rows
	}
	return out, nil
}
